package scheduler

import (
	"time"

	"cadence/internal/registry"
)

// NodeStatus is the lifecycle state of an execution node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	// NodeBlocked marks a node whose upstream failed; it is never
	// scheduled.
	NodeBlocked NodeStatus = "blocked"
)

// FailureCause classifies why a node failed.
type FailureCause string

const (
	CauseError          FailureCause = "error"
	CauseTimeout        FailureCause = "timeout"
	CauseUnitFailure    FailureCause = "unit_failure"
	CauseMissingOutputs FailureCause = "missing_outputs"
	CauseNoRunner       FailureCause = "no_runner"
)

// Attempt records one execution attempt of a node.
type Attempt struct {
	Number    int       `json:"number"`
	Outcome   string    `json:"outcome"` // success | failure
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionNode is the runtime wrapper around a unit descriptor. It is
// owned exclusively by the scheduler; other components only ever see
// copies in the phase result.
type ExecutionNode struct {
	Desc       registry.UnitDescriptor `json:"desc"`
	Status     NodeStatus              `json:"status"`
	Attempt    int                     `json:"attempt"`
	StartedAt  time.Time               `json:"started_at,omitempty"`
	FinishedAt time.Time               `json:"finished_at,omitempty"`
	Cause      FailureCause            `json:"cause,omitempty"`
	Err        string                  `json:"error,omitempty"`
	Attempts   []Attempt               `json:"attempts,omitempty"`
}

func (n *ExecutionNode) terminal() bool {
	switch n.Status {
	case NodeSucceeded, NodeFailed, NodeBlocked:
		return true
	}
	return false
}
