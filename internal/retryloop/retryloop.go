// Package retryloop implements the bounded self-correction cycle: when a
// validating unit reports failures, the phase's fixer is invoked against
// the failure set and the validator re-run, up to a fixed retry budget.
// An unfixable failure set becomes a structured escalation artifact for a
// human operator, not an exception up the call stack.
package retryloop

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cadence/internal/registry"
	"cadence/internal/scheduler"
	"cadence/internal/store"
	"cadence/internal/unit"
)

// Namespace is the store namespace retry records are written under.
const Namespace = "retry"

// Outcomes of a single correction attempt.
const (
	AttemptFixed        = "fixed"
	AttemptStillFailing = "still_failing"
	AttemptNoProgress   = "no_progress"
)

// AttemptRecord is one fix-and-revalidate cycle.
type AttemptRecord struct {
	Number       int    `json:"number"`
	FixSummary   string `json:"fix_summary"`
	ResultStatus string `json:"result_status"`
}

// RetryRecord tracks one self-correction cycle. Terminal when Outcome is
// "fixed" or "escalated".
type RetryRecord struct {
	TargetUnitID     string          `json:"target_unit_id"`
	FailureSignature string          `json:"failure_signature"`
	Attempts         []AttemptRecord `json:"attempts"`
	Escalated        bool            `json:"escalated"`
	Outcome          string          `json:"outcome,omitempty"`
}

// Escalation is the artifact written for a human operator when the loop
// gives up. It is not machine-consumed further by this core.
type Escalation struct {
	TargetUnitID   string          `json:"target_unit_id"`
	Phase          int             `json:"phase"`
	Reason         string          `json:"reason"`
	Failures       []string        `json:"failures"`
	AttemptedFixes []AttemptRecord `json:"attempted_fixes"`
	Signature      string          `json:"failure_signature"`
	EscalatedAt    time.Time       `json:"escalated_at"`
}

// Loop runs self-correction cycles.
type Loop struct {
	mu          sync.Mutex
	store       store.Store
	reg         *registry.Registry
	runners     map[string]unit.Runner
	maxRetries  int
	timeout     time.Duration
	artifactDir string
	log         *zap.Logger
	open        map[string]*RetryRecord // failure signature -> open record
}

// New creates a retry loop. maxRetries bounds fixer invocations per
// failure signature; timeout bounds each unit invocation.
func New(st store.Store, reg *registry.Registry, runners map[string]unit.Runner,
	maxRetries int, timeout time.Duration, artifactDir string, log *zap.Logger) *Loop {
	return &Loop{
		store:       st,
		reg:         reg,
		runners:     runners,
		maxRetries:  maxRetries,
		timeout:     timeout,
		artifactDir: artifactDir,
		log:         log,
		open:        make(map[string]*RetryRecord),
	}
}

// Signature computes the stable hash of a failure set. Order-insensitive:
// the same failures in any order hash identically.
func Signature(failures []string) string {
	sorted := append([]string(nil), failures...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// Correct runs the self-correction cycle for one validator's failure set
// until it is fixed or escalates. The returned record is always terminal;
// the driver must observe it before advancing past validation.
func (l *Loop) Correct(ctx context.Context, validation scheduler.Validation, phase int) (*RetryRecord, error) {
	validator, ok := l.reg.Unit(validation.UnitID)
	if !ok {
		return nil, fmt.Errorf("unknown validator %q", validation.UnitID)
	}

	signature := Signature(validation.Failures)
	record := l.openRecord(validation.UnitID, signature)

	fixer, ok := l.reg.FixerFor(validator.ID)
	if !ok {
		return l.escalate(record, phase, validation.Failures,
			fmt.Sprintf("no fixer registered for validator %q", validator.ID))
	}

	failures := validation.Failures
	for len(record.Attempts) < l.maxRetries {
		if err := ctx.Err(); err != nil {
			return record, err
		}
		attempt := len(record.Attempts) + 1

		fixSummary, err := l.invokeFixer(ctx, fixer, phase, attempt)
		if err != nil {
			l.log.Warn("fixer invocation failed",
				zap.String("fixer", fixer.ID), zap.Int("attempt", attempt), zap.Error(err))
			record.Attempts = append(record.Attempts, AttemptRecord{
				Number: attempt, FixSummary: fmt.Sprintf("fixer error: %v", err), ResultStatus: AttemptStillFailing,
			})
			continue
		}

		newFailures, err := l.revalidate(ctx, validator, phase, attempt)
		if err != nil {
			record.Attempts = append(record.Attempts, AttemptRecord{
				Number: attempt, FixSummary: fixSummary, ResultStatus: AttemptStillFailing,
			})
			continue
		}

		if len(newFailures) == 0 {
			record.Attempts = append(record.Attempts, AttemptRecord{
				Number: attempt, FixSummary: fixSummary, ResultStatus: AttemptFixed,
			})
			record.Outcome = AttemptFixed
			l.persist(record)
			l.log.Info("validation failures fixed",
				zap.String("validator", validator.ID), zap.Int("attempts", attempt))
			return record, nil
		}

		newSignature := Signature(newFailures)
		if newSignature == record.FailureSignature {
			// The fix clearly isn't working; don't burn the rest of the
			// budget on it.
			record.Attempts = append(record.Attempts, AttemptRecord{
				Number: attempt, FixSummary: fixSummary, ResultStatus: AttemptNoProgress,
			})
			return l.escalate(record, phase, newFailures, "fixer made no progress: failure signature unchanged")
		}

		record.Attempts = append(record.Attempts, AttemptRecord{
			Number: attempt, FixSummary: fixSummary, ResultStatus: AttemptStillFailing,
		})
		record.FailureSignature = newSignature
		failures = newFailures
		l.persist(record)
	}

	return l.escalate(record, phase, failures,
		fmt.Sprintf("retry budget exhausted after %d attempts", len(record.Attempts)))
}

func (l *Loop) invokeFixer(ctx context.Context, fixer registry.UnitDescriptor, phase, attempt int) (string, error) {
	runner, ok := l.runners[fixer.ID]
	if !ok {
		return "", fmt.Errorf("no runner registered for fixer %q", fixer.ID)
	}

	inputs, missing, err := scheduler.GatherInputs(l.store, l.reg, fixer.Requires)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("fixer inputs missing: %v", missing)
	}

	tctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	res, err := runner.Run(tctx, unit.Invocation{Inputs: inputs, Phase: phase, Attempt: attempt})
	if err != nil {
		return "", err
	}

	for _, key := range fixer.Produces {
		if value, ok := res.Outputs[key]; ok {
			if _, err := l.store.Put(fixer.ID, key, value); err != nil {
				return "", err
			}
		}
	}

	summary := res.Outputs["fix_summary"]
	if summary == "" {
		summary = fmt.Sprintf("fix attempt %d by %s", attempt, fixer.ID)
	}
	return summary, nil
}

// revalidate re-runs the validating unit and refreshes its outputs,
// including the failure report, in the store.
func (l *Loop) revalidate(ctx context.Context, validator registry.UnitDescriptor, phase, attempt int) ([]string, error) {
	runner, ok := l.runners[validator.ID]
	if !ok {
		return nil, fmt.Errorf("no runner registered for validator %q", validator.ID)
	}

	inputs, missing, err := scheduler.GatherInputs(l.store, l.reg, validator.Requires)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("validator inputs missing: %v", missing)
	}

	tctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	res, err := runner.Run(tctx, unit.Invocation{Inputs: inputs, Phase: phase, Attempt: attempt + 1})
	if err != nil {
		return nil, err
	}

	report, err := json.Marshal(res.Failures)
	if err != nil {
		return nil, err
	}
	for _, key := range validator.Produces {
		value, ok := res.Outputs[key]
		if !ok && key == validator.FailureKey {
			value = string(report)
			ok = true
		}
		if ok {
			if _, err := l.store.Put(validator.ID, key, value); err != nil {
				return nil, err
			}
		}
	}
	return res.Failures, nil
}

// escalate finalizes a record and writes the operator-facing artifact.
func (l *Loop) escalate(record *RetryRecord, phase int, failures []string, reason string) (*RetryRecord, error) {
	record.Escalated = true
	record.Outcome = "escalated"
	l.persist(record)

	escalation := Escalation{
		TargetUnitID:   record.TargetUnitID,
		Phase:          phase,
		Reason:         reason,
		Failures:       failures,
		AttemptedFixes: record.Attempts,
		Signature:      record.FailureSignature,
		EscalatedAt:    time.Now(),
	}
	if err := l.writeArtifact(escalation); err != nil {
		l.log.Error("failed to write escalation artifact", zap.Error(err))
	}

	l.log.Warn("validation escalated",
		zap.String("validator", record.TargetUnitID),
		zap.String("reason", reason),
		zap.Int("attempts", len(record.Attempts)))
	return record, nil
}

func (l *Loop) writeArtifact(e Escalation) error {
	dir := filepath.Join(l.artifactDir, "escalations")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%d.json", e.TargetUnitID, e.EscalatedAt.UnixMilli())
	return os.WriteFile(filepath.Join(dir, name), data, 0644)
}

func (l *Loop) openRecord(unitID, signature string) *RetryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.open[signature]; ok && rec.Outcome == "" {
		return rec
	}
	rec := &RetryRecord{TargetUnitID: unitID, FailureSignature: signature}
	l.open[signature] = rec
	return rec
}

func (l *Loop) persist(record *RetryRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	if _, err := l.store.Put(Namespace, record.TargetUnitID, string(data)); err != nil {
		l.log.Warn("failed to persist retry record", zap.Error(err))
	}
}
