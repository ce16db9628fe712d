// Package gate implements the reviewer-driven checkpoint between phases.
// After a phase's units finish, the controller invokes the phase's
// reviewer units against the accumulated outputs and aggregates their
// findings into a single verdict.
//
// Aggregation is a weighted veto, not an average: one critical finding
// rejects the phase no matter how many minor findings would dilute it.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cadence/internal/registry"
	"cadence/internal/scheduler"
	"cadence/internal/store"
	"cadence/internal/unit"
)

// Namespace is the store namespace gate verdicts are written under.
const Namespace = "gate"

// State tracks a phase through the gate's state machine.
type State string

const (
	StateCollecting   State = "collecting"
	StateReviewing    State = "reviewing"
	StateVerdictReady State = "verdict-ready"
)

// Config holds gate thresholds.
type Config struct {
	// ConditionalThreshold is the aggregate score (0-100) below which a
	// phase without criticals is conditional rather than approved.
	ConditionalThreshold int
	// MajorFindingLimit is how many major findings a phase may carry
	// before it is conditional.
	MajorFindingLimit int
	// ReviewerTimeout bounds each reviewer invocation. A reviewer that
	// exceeds it counts as unable to run.
	ReviewerTimeout time.Duration
}

// Controller runs phase gates.
type Controller struct {
	mu      sync.Mutex
	store   store.Store
	reg     *registry.Registry
	runners map[string]unit.Runner
	cfg     Config
	log     *zap.Logger
	states  map[int]State
}

// NewController creates a gate controller.
func NewController(st store.Store, reg *registry.Registry, runners map[string]unit.Runner, cfg Config, log *zap.Logger) *Controller {
	return &Controller{
		store:   st,
		reg:     reg,
		runners: runners,
		cfg:     cfg,
		log:     log,
		states:  make(map[int]State),
	}
}

// PhaseState reports where a phase currently sits in the gate machine.
func (c *Controller) PhaseState(phase int) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[phase]; ok {
		return s
	}
	return StateCollecting
}

// Review invokes the phase's reviewers and aggregates a verdict. The
// scheduler's phase result contributes execution findings: a failed unit
// is a major finding even before any reviewer looks at the outputs.
//
// Review against an unchanged store state is deterministic: reviewers run
// in ID order, findings keep their reported order, and the verdict
// carries no wall-clock data.
func (c *Controller) Review(ctx context.Context, phase int, exec *scheduler.PhaseResult) (GateVerdict, error) {
	c.setState(phase, StateReviewing)

	var findings []unit.Finding
	for _, id := range exec.Failed {
		node := exec.Nodes[id]
		findings = append(findings, unit.Finding{
			Severity: unit.SeverityMajor,
			Message:  fmt.Sprintf("unit %q failed (%s): %s", id, node.Cause, node.Err),
		})
	}
	for _, id := range exec.Blocked {
		findings = append(findings, unit.Finding{
			Severity: unit.SeverityMinor,
			Message:  fmt.Sprintf("unit %q was blocked by an upstream failure and never ran", id),
		})
	}

	var (
		reviewers  int
		scoreTotal int
		scored     int
	)
	for _, desc := range c.reg.UnitsInPhase(phase) {
		if desc.Kind != registry.KindReviewer {
			continue
		}
		reviewers++

		res, err := c.runReviewer(ctx, phase, desc)
		if err != nil {
			// A gate that cannot review cannot approve.
			findings = append(findings, unit.Finding{
				Severity: unit.SeverityCritical,
				Message:  fmt.Sprintf("reviewer %q could not run: %v", desc.ID, err),
			})
			continue
		}
		findings = append(findings, res.Findings...)
		scoreTotal += clampScore(res.Score)
		scored++
	}

	score := 100
	switch {
	case reviewers > 0 && scored == 0:
		score = 0
	case scored > 0:
		score = scoreTotal / scored
	}

	critical, major := counts(findings)
	status := VerdictApproved
	switch {
	case critical > 0:
		status = VerdictRejected
	case major > c.cfg.MajorFindingLimit || score < c.cfg.ConditionalThreshold:
		status = VerdictConditional
	}

	verdict := GateVerdict{Phase: phase, Score: score, Status: status, Findings: findings}
	if err := c.persist(verdict); err != nil {
		return verdict, err
	}
	c.setState(phase, StateVerdictReady)

	c.log.Info("gate verdict",
		zap.Int("phase", phase),
		zap.String("status", string(status)),
		zap.Int("score", score),
		zap.Int("findings", len(findings)))
	return verdict, nil
}

// runReviewer resolves the reviewer's required keys and invokes it. A
// missing key means some producer failed upstream; the reviewer cannot
// judge a phase it cannot see.
func (c *Controller) runReviewer(ctx context.Context, phase int, desc registry.UnitDescriptor) (unit.Result, error) {
	runner, ok := c.runners[desc.ID]
	if !ok {
		return unit.Result{}, fmt.Errorf("no runner registered")
	}

	inputs, missing, err := scheduler.GatherInputs(c.store, c.reg, desc.Requires)
	if err != nil {
		return unit.Result{}, err
	}
	if len(missing) > 0 {
		return unit.Result{}, fmt.Errorf("missing phase outputs %v", missing)
	}

	tctx := ctx
	if c.cfg.ReviewerTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, c.cfg.ReviewerTimeout)
		defer cancel()
	}
	res, err := runner.Run(tctx, unit.Invocation{Inputs: inputs, Phase: phase, Attempt: 1})
	if err != nil {
		return unit.Result{}, err
	}
	if res.Status == unit.StatusFailure {
		return unit.Result{}, fmt.Errorf("reviewer reported failure")
	}
	return res, nil
}

func (c *Controller) persist(v GateVerdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.store.Put(Namespace, fmt.Sprintf("phase-%d", v.Phase), string(data))
	return err
}

func (c *Controller) setState(phase int, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[phase] = s
}
