// Package pipeline provides the top-level control loop: it advances
// phase-by-phase, consults gate verdicts to decide whether to proceed,
// halt, or keep a risk ledger, and leaves a structured report behind.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cadence/internal/config"
	"cadence/internal/gate"
	"cadence/internal/graph"
	"cadence/internal/registry"
	"cadence/internal/retryloop"
	"cadence/internal/scheduler"
	"cadence/internal/store"
	"cadence/internal/unit"
)

// ErrGateRejected is returned when a gate rejects a phase. The run report
// is still complete and written; this is a clean terminal outcome, not a
// crash.
var ErrGateRejected = errors.New("gate rejected phase")

// Driver owns one pipeline run end to end.
type Driver struct {
	cfg   config.Config
	store store.Store
	reg   *registry.Registry
	res   *graph.Resolver
	sched *scheduler.Scheduler
	gates *gate.Controller
	retry *retryloop.Loop
	log   *zap.Logger

	mu        sync.Mutex
	isRunning bool
	isPaused  bool
	cancel    context.CancelFunc

	events   chan PipelineEvent
	progress chan Progress
}

// New wires a driver and its sub-components. Every component receives the
// store by injection; the driver holds the only references.
func New(cfg config.Config, st store.Store, reg *registry.Registry, runners map[string]unit.Runner, log *zap.Logger) *Driver {
	schedCfg := scheduler.Config{
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		PerUnitTimeout:   cfg.PerUnitTimeout(),
	}
	gateCfg := gate.Config{
		ConditionalThreshold: cfg.GateConditionalThreshold,
		MajorFindingLimit:    cfg.MajorFindingLimit,
		ReviewerTimeout:      cfg.PerUnitTimeout(),
	}

	return &Driver{
		cfg:    cfg,
		store:  st,
		reg:    reg,
		res:    graph.NewResolver(reg),
		sched:  scheduler.New(st, reg, runners, schedCfg, log.Named("scheduler")),
		gates:  gate.NewController(st, reg, runners, gateCfg, log.Named("gate")),
		retry:  retryloop.New(st, reg, runners, cfg.MaxRetries, cfg.PerUnitTimeout(), cfg.ArtifactDir, log.Named("retry")),
		log:      log.Named("pipeline"),
		events:   make(chan PipelineEvent, 64),
		progress: make(chan Progress, 16),
	}
}

// Events returns the run's event stream.
func (d *Driver) Events() <-chan PipelineEvent {
	return d.events
}

// Progress returns the run's per-phase progress stream.
func (d *Driver) Progress() <-chan Progress {
	return d.progress
}

// Pause stops new dispatches after the current phase settles.
func (d *Driver) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isPaused = true
}

// Resume lifts a pause.
func (d *Driver) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.isPaused = false
}

// Stop cancels the run. Running units finish; nothing new is dispatched.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// Run executes all phases. Startup configuration errors (invalid
// registry, cycles) fail before any unit runs. A rejected gate returns
// the completed report together with ErrGateRejected.
func (d *Driver) Run(ctx context.Context) (*RunReport, error) {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return nil, fmt.Errorf("pipeline already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.isRunning = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.isRunning = false
		d.cancel = nil
		d.mu.Unlock()
		cancel()
	}()

	// Resolve every phase up front: a partially runnable registry is a
	// configuration error, never a partial run.
	plans, err := d.res.Resolve()
	if err != nil {
		return nil, err
	}

	report := &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Outcome:   OutcomeCompleted,
	}
	d.log.Info("run started",
		zap.String("run_id", report.RunID),
		zap.Int("phases", len(plans)),
		zap.Int("units", len(d.reg.Units())))

	defer d.teardown()

	for i, plan := range plans {
		if err := d.waitWhilePaused(ctx); err != nil {
			return d.halt(report, fmt.Sprintf("run canceled before phase %d", plan.Phase)), err
		}

		d.emit(PipelineEvent{Type: EventPhaseStarted, Phase: plan.Phase,
			Message: fmt.Sprintf("phase %d: %d units", plan.Phase, len(plan.Order))})

		execRes, err := d.sched.RunPhase(ctx, plan)
		if err != nil {
			return d.halt(report, fmt.Sprintf("phase %d interrupted: %v", plan.Phase, err)), err
		}
		for _, id := range execRes.Failed {
			d.emit(PipelineEvent{Type: EventUnitFailed, Phase: plan.Phase, UnitID: id,
				Message: execRes.Nodes[id].Err})
		}

		// Every validation failure reaches a terminal fixed or escalated
		// record before the gate sees the phase.
		for _, v := range execRes.Validations {
			record, err := d.retry.Correct(ctx, v, plan.Phase)
			if err != nil {
				return d.halt(report, fmt.Sprintf("self-correction interrupted: %v", err)), err
			}
			d.emit(PipelineEvent{Type: EventRetryResult, Phase: plan.Phase, UnitID: v.UnitID,
				Message: fmt.Sprintf("self-correction %s after %d attempts", record.Outcome, len(record.Attempts))})
			if record.Escalated {
				report.Escalations = append(report.Escalations, *record)
				d.emit(PipelineEvent{Type: EventEscalation, Phase: plan.Phase, UnitID: v.UnitID,
					Message: "unresolved failures escalated to operator"})
			}
		}

		verdict, err := d.gates.Review(ctx, plan.Phase, execRes)
		if err != nil {
			return d.halt(report, fmt.Sprintf("gate review failed for phase %d: %v", plan.Phase, err)), err
		}
		report.Verdicts = append(report.Verdicts, verdict)
		d.emit(PipelineEvent{Type: EventGateVerdict, Phase: plan.Phase,
			Message: fmt.Sprintf("verdict %s, score %d", verdict.Status, verdict.Score)})

		switch verdict.Status {
		case gate.VerdictRejected:
			report.Outcome = OutcomeRejected
			report.HaltReason = fmt.Sprintf("phase %d rejected by gate (score %d)", plan.Phase, verdict.Score)
			d.finalize(report)
			return report, fmt.Errorf("%w %d", ErrGateRejected, plan.Phase)
		case gate.VerdictConditional:
			// Proceed, but the findings ride along in the final report.
			report.RiskLedger = append(report.RiskLedger, verdict.Findings...)
		}

		if err := report.write(d.cfg.ArtifactDir); err != nil {
			d.log.Warn("failed to snapshot run report", zap.Error(err))
		}
		d.emitProgress(Progress{
			RunID:           report.RunID,
			CurrentPhase:    plan.Phase,
			CompletedPhases: i + 1,
			TotalPhases:     len(plans),
			OverallProgress: float64(i+1) / float64(len(plans)),
		})
	}

	d.finalize(report)
	return report, nil
}

// halt finalizes a report for an interrupted run.
func (d *Driver) halt(report *RunReport, reason string) *RunReport {
	report.Outcome = OutcomeHalted
	report.HaltReason = reason
	d.emit(PipelineEvent{Type: EventRunHalted, Message: reason})
	d.finalize(report)
	return report
}

func (d *Driver) finalize(report *RunReport) {
	report.Duration = time.Since(report.StartedAt)
	if err := report.write(d.cfg.ArtifactDir); err != nil {
		d.log.Error("failed to write run report", zap.Error(err))
	}
	if report.Outcome == OutcomeCompleted {
		d.emit(PipelineEvent{Type: EventRunCompleted,
			Message: fmt.Sprintf("run completed in %s", report.Duration.Round(time.Millisecond))})
	}
	d.log.Info("run finished",
		zap.String("run_id", report.RunID),
		zap.String("outcome", report.Outcome),
		zap.Duration("duration", report.Duration))
}

// teardown is the only place store entries are deleted: unit outputs,
// gate verdicts, and retry records for this registry are cleared so the
// next run starts from an empty coordination state.
func (d *Driver) teardown() {
	for _, u := range d.reg.Units() {
		for _, key := range u.Produces {
			if err := d.store.Delete(u.ID, key); err != nil {
				d.log.Warn("teardown delete failed",
					zap.String("unit", u.ID), zap.String("key", key), zap.Error(err))
			}
		}
	}
	for _, phase := range d.reg.Phases() {
		_ = d.store.Delete(gate.Namespace, fmt.Sprintf("phase-%d", phase))
	}
	for _, u := range d.reg.Units() {
		if u.Validator {
			_ = d.store.Delete(retryloop.Namespace, u.ID)
		}
	}
}

func (d *Driver) waitWhilePaused(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		d.mu.Lock()
		paused := d.isPaused
		d.mu.Unlock()
		if !paused {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (d *Driver) emitProgress(p Progress) {
	select {
	case d.progress <- p:
	default:
	}
}

func (d *Driver) emit(e PipelineEvent) {
	e.Timestamp = time.Now()
	select {
	case d.events <- e:
	default:
		// Consumer is behind; drop rather than stall the run.
	}
}
