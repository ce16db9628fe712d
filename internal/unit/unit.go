// Package unit defines the invocation contract between the orchestration
// core and the work units it runs. Units are opaque external collaborators:
// the core hands them their declared inputs and waits for outputs, a status,
// and findings. What a unit actually computes is none of the core's business.
package unit

import "context"

// Severity classifies a finding reported by a unit.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// Finding is a single observation reported by a unit, typically a reviewer.
type Finding struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Status is the terminal status of a unit invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Invocation carries everything a unit receives: its declared inputs
// resolved from the store, plus execution context.
type Invocation struct {
	Inputs  map[string]string `json:"inputs"`
	Phase   int               `json:"phase"`
	Attempt int               `json:"attempt"`
}

// Result is everything a unit returns.
type Result struct {
	Outputs  map[string]string `json:"outputs,omitempty"`
	Status   Status            `json:"status"`
	Findings []Finding         `json:"findings,omitempty"`

	// Failures is the failure set reported by a validating unit
	// (e.g. a test-execution unit listing failing tests). A non-empty
	// set triggers the self-correction loop.
	Failures []string `json:"failures,omitempty"`

	// Score is reported by reviewer units, 0-100.
	Score int `json:"score,omitempty"`
}

// Runner executes one unit invocation. Implementations must honor ctx
// cancellation; the scheduler wraps every call in a per-unit timeout.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, inv Invocation) (Result, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}
