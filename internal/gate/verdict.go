package gate

import "cadence/internal/unit"

// VerdictStatus is the outcome of a phase gate.
type VerdictStatus string

const (
	VerdictApproved    VerdictStatus = "approved"
	VerdictConditional VerdictStatus = "conditional"
	VerdictRejected    VerdictStatus = "rejected"
)

// GateVerdict is the result of reviewing one phase. Created once per phase
// per run and immutable after creation. It carries no timestamp so that
// reviewing an unchanged set of phase outputs reproduces the verdict
// byte for byte.
type GateVerdict struct {
	Phase    int            `json:"phase"`
	Score    int            `json:"score"`
	Status   VerdictStatus  `json:"status"`
	Findings []unit.Finding `json:"findings,omitempty"`
}

// clampScore bounds a reviewer-reported score to the 0-100 scale so a
// misbehaving reviewer cannot push the aggregate off it.
func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// counts tallies findings by severity.
func counts(findings []unit.Finding) (critical, major int) {
	for _, f := range findings {
		switch f.Severity {
		case unit.SeverityCritical:
			critical++
		case unit.SeverityMajor:
			major++
		}
	}
	return critical, major
}
