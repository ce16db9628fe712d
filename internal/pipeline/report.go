package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"cadence/internal/gate"
	"cadence/internal/retryloop"
	"cadence/internal/unit"
)

// Outcome of a whole run.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
	OutcomeHalted    = "halted"
)

// RunReport is the single persisted output of a run: per-phase verdicts,
// escalations, the cumulative risk ledger, and why the run stopped if it
// stopped early. The system never terminates silently.
type RunReport struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Outcome    string        `json:"outcome"`
	HaltReason string        `json:"halt_reason,omitempty"`

	Verdicts    []gate.GateVerdict      `json:"verdicts"`
	Escalations []retryloop.RetryRecord `json:"escalations,omitempty"`

	// RiskLedger accumulates the findings of conditional verdicts the
	// run proceeded past.
	RiskLedger []unit.Finding `json:"risk_ledger,omitempty"`
}

// write persists the report under <artifactDir>/runs/<run-id>.json. Called
// after every phase so a crashed process still leaves the latest state.
func (r *RunReport) write(artifactDir string) error {
	dir := filepath.Join(artifactDir, "runs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, r.RunID+".json"), data, 0644)
}

// EventType labels pipeline events.
type EventType string

const (
	EventPhaseStarted EventType = "phase_started"
	EventUnitFailed   EventType = "unit_failed"
	EventGateVerdict  EventType = "gate_verdict"
	EventRetryResult  EventType = "retry_result"
	EventEscalation   EventType = "escalation"
	EventRunCompleted EventType = "run_completed"
	EventRunHalted    EventType = "run_halted"
)

// PipelineEvent is a progress notification emitted during a run. Emission
// is non-blocking; a slow consumer drops events rather than stalling the
// pipeline.
type PipelineEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Phase     int       `json:"phase,omitempty"`
	UnitID    string    `json:"unit_id,omitempty"`
	Message   string    `json:"message"`
}

// Progress summarizes how far a run has advanced.
type Progress struct {
	RunID           string  `json:"run_id"`
	CurrentPhase    int     `json:"current_phase"`
	CompletedPhases int     `json:"completed_phases"`
	TotalPhases     int     `json:"total_phases"`
	OverallProgress float64 `json:"overall_progress"` // 0.0-1.0
}
