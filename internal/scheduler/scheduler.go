// Package scheduler runs the units of one phase against the coordination
// store: a bounded worker pool dispatches nodes as their required keys
// appear, failures block downstream dependents without disturbing
// siblings, and readiness re-evaluation is edge-triggered off the store's
// dirty signal rather than polled.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"cadence/internal/graph"
	"cadence/internal/registry"
	"cadence/internal/store"
	"cadence/internal/unit"
)

// Config bounds scheduler behavior.
type Config struct {
	// ConcurrencyLimit is the worker pool size. Must be >= 1.
	ConcurrencyLimit int
	// PerUnitTimeout is applied to every unit invocation.
	PerUnitTimeout time.Duration
}

// Validation is a validator unit's reported failure set, surfaced to the
// driver for the self-correction loop.
type Validation struct {
	UnitID     string   `json:"unit_id"`
	FailureKey string   `json:"failure_key"`
	Failures   []string `json:"failures"`
}

// PhaseResult summarizes one phase execution.
type PhaseResult struct {
	Phase       int                       `json:"phase"`
	Nodes       map[string]*ExecutionNode `json:"nodes"`
	Failed      []string                  `json:"failed,omitempty"`
	Blocked     []string                  `json:"blocked,omitempty"`
	Validations []Validation              `json:"validations,omitempty"`
}

// Scheduler executes phase plans.
type Scheduler struct {
	store   store.Store
	reg     *registry.Registry
	runners map[string]unit.Runner
	cfg     Config
	log     *zap.Logger
}

// New creates a scheduler. The runner map associates each unit ID with
// its external collaborator.
func New(st store.Store, reg *registry.Registry, runners map[string]unit.Runner, cfg Config, log *zap.Logger) *Scheduler {
	return &Scheduler{store: st, reg: reg, runners: runners, cfg: cfg, log: log}
}

type outcome struct {
	id  string
	res unit.Result
	err error
}

// RunPhase executes one resolved phase plan to quiescence: every node
// reaches succeeded, failed, or blocked. On ctx cancellation, running
// units are allowed to finish (partial store writes would corrupt
// downstream state) but nothing new is dispatched; undispatched nodes are
// reported blocked and ctx.Err is returned alongside the partial result.
func (s *Scheduler) RunPhase(ctx context.Context, plan graph.PhasePlan) (*PhaseResult, error) {
	result := &PhaseResult{
		Phase: plan.Phase,
		Nodes: make(map[string]*ExecutionNode, len(plan.Order)),
	}
	for _, id := range plan.Order {
		desc, _ := s.reg.Unit(id)
		result.Nodes[id] = &ExecutionNode{Desc: desc, Status: NodePending}
	}

	dirty, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	sem := semaphore.NewWeighted(int64(s.cfg.ConcurrencyLimit))
	outcomes := make(chan outcome, len(plan.Order))

	inflight := 0
	halted := false

	dispatch := func(node *ExecutionNode) {
		node.Status = NodeReady
		runner, ok := s.runners[node.Desc.ID]
		if !ok {
			s.fail(result, plan, node, CauseNoRunner, fmt.Sprintf("no runner registered for unit %q", node.Desc.ID))
			return
		}

		node.Status = NodeRunning
		node.Attempt++
		node.StartedAt = time.Now()
		inflight++

		id := node.Desc.ID
		attempt := node.Attempt
		phase := plan.Phase
		go func() {
			// Workers queue on the semaphore, not the event loop.
			if err := sem.Acquire(context.Background(), 1); err != nil {
				outcomes <- outcome{id: id, err: err}
				return
			}
			defer sem.Release(1)

			inputs, missing, err := GatherInputs(s.store, s.reg, s.desc(id).Requires)
			if err == nil && len(missing) > 0 {
				// Readiness said all keys exist; a missing key here means
				// the store lost a write, which is fatal.
				err = fmt.Errorf("%w: keys vanished between readiness and dispatch: %v", store.ErrUnavailable, missing)
			}
			if err != nil {
				outcomes <- outcome{id: id, err: err}
				return
			}

			// The unit's context is deliberately not derived from the
			// run context: a halt lets running units finish, bounded
			// only by the per-unit timeout.
			tctx, cancel := context.WithTimeout(context.Background(), s.cfg.PerUnitTimeout)
			defer cancel()
			res, err := runner.Run(tctx, unit.Invocation{Inputs: inputs, Phase: phase, Attempt: attempt})
			outcomes <- outcome{id: id, res: res, err: err}
		}()
	}

	evaluate := func() {
		if halted {
			return
		}
		for _, id := range sortedPending(result) {
			node := result.Nodes[id]
			if s.ready(node.Desc) {
				dispatch(node)
			}
		}
	}

	ctxDone := ctx.Done()

	evaluate()
	for !done(result) {
		if inflight == 0 {
			if halted {
				break
			}
			// Nothing running and nothing ready: re-check once, then a
			// stuck phase is a configuration bug the resolver should
			// have caught.
			evaluate()
			if inflight == 0 && !done(result) {
				return result, fmt.Errorf("phase %d stalled: no runnable units and %d unfinished",
					plan.Phase, remaining(result))
			}
			continue
		}

		select {
		case out := <-outcomes:
			inflight--
			s.settle(result, plan, out)
			evaluate()
		case <-dirty:
			evaluate()
		case <-ctxDone:
			halted = true
			ctxDone = nil
		}
	}

	// Drain stragglers after a halt.
	for inflight > 0 {
		out := <-outcomes
		inflight--
		s.settle(result, plan, out)
	}

	for id, node := range result.Nodes {
		if !node.terminal() {
			node.Status = NodeBlocked
			result.Blocked = append(result.Blocked, id)
		}
	}
	sort.Strings(result.Failed)
	sort.Strings(result.Blocked)
	sort.Slice(result.Validations, func(i, j int) bool {
		return result.Validations[i].UnitID < result.Validations[j].UnitID
	})

	if halted {
		return result, ctx.Err()
	}
	return result, nil
}

// settle applies one unit outcome to the phase state.
func (s *Scheduler) settle(result *PhaseResult, plan graph.PhasePlan, out outcome) {
	node := result.Nodes[out.id]
	node.FinishedAt = time.Now()

	switch {
	case errors.Is(out.err, context.DeadlineExceeded):
		s.fail(result, plan, node, CauseTimeout,
			fmt.Sprintf("unit %q exceeded timeout %s", out.id, s.cfg.PerUnitTimeout))
	case out.err != nil:
		s.fail(result, plan, node, CauseError, out.err.Error())
	case !node.Desc.Validator && out.res.Status == unit.StatusFailure:
		s.fail(result, plan, node, CauseUnitFailure, fmt.Sprintf("unit %q reported failure", out.id))
	default:
		s.succeed(result, plan, node, out.res)
	}
}

// succeed writes the node's produced keys and records any validator
// failure set. A validator that reports failures still succeeds as a
// node: its report is the retry loop's input, not a scheduling failure.
func (s *Scheduler) succeed(result *PhaseResult, plan graph.PhasePlan, node *ExecutionNode, res unit.Result) {
	desc := node.Desc

	failureReport := ""
	if desc.Validator {
		data, err := json.Marshal(res.Failures)
		if err == nil {
			failureReport = string(data)
		}
	}

	for _, key := range desc.Produces {
		value, ok := res.Outputs[key]
		if !ok {
			if desc.Validator && key == desc.FailureKey {
				value = failureReport
			} else {
				s.fail(result, plan, node, CauseMissingOutputs,
					fmt.Sprintf("unit %q did not produce declared key %q", desc.ID, key))
				return
			}
		}
		if _, err := s.store.Put(desc.ID, key, value); err != nil {
			s.fail(result, plan, node, CauseError, err.Error())
			return
		}
	}

	node.Status = NodeSucceeded
	node.Attempts = append(node.Attempts, Attempt{
		Number: node.Attempt, Outcome: "success", Timestamp: node.FinishedAt,
	})
	s.log.Debug("unit succeeded",
		zap.String("unit", desc.ID), zap.Int("phase", plan.Phase),
		zap.Duration("elapsed", node.FinishedAt.Sub(node.StartedAt)))

	if desc.Validator && len(res.Failures) > 0 {
		result.Validations = append(result.Validations, Validation{
			UnitID:     desc.ID,
			FailureKey: desc.FailureKey,
			Failures:   append([]string(nil), res.Failures...),
		})
		s.log.Warn("validator reported failures",
			zap.String("unit", desc.ID), zap.Int("failures", len(res.Failures)))
	}
}

// fail marks a node failed and transitively blocks its dependents.
// Siblings keep running; the failure is surfaced in the result.
func (s *Scheduler) fail(result *PhaseResult, plan graph.PhasePlan, node *ExecutionNode, cause FailureCause, msg string) {
	node.Status = NodeFailed
	node.Cause = cause
	node.Err = msg
	if node.FinishedAt.IsZero() {
		node.FinishedAt = time.Now()
	}
	node.Attempts = append(node.Attempts, Attempt{
		Number: node.Attempt, Outcome: "failure", Error: msg, Timestamp: node.FinishedAt,
	})
	result.Failed = append(result.Failed, node.Desc.ID)
	s.log.Warn("unit failed",
		zap.String("unit", node.Desc.ID), zap.String("cause", string(cause)), zap.String("error", msg))

	var queue []string
	queue = append(queue, plan.Downstream[node.Desc.ID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		dep := result.Nodes[id]
		if dep == nil || dep.terminal() || dep.Status == NodeRunning {
			continue
		}
		dep.Status = NodeBlocked
		result.Blocked = append(result.Blocked, id)
		queue = append(queue, plan.Downstream[id]...)
	}
}

// ready reports whether all required keys are present in the store. The
// check is a conjunction of Gets; a store error makes the phase fail fast
// rather than proceed on a partial read.
func (s *Scheduler) ready(desc registry.UnitDescriptor) bool {
	for _, key := range desc.Requires {
		producer, ok := s.reg.ProducerOf(key)
		if !ok {
			return false
		}
		_, found, err := s.store.Get(producer, key)
		if err != nil || !found {
			return false
		}
	}
	return true
}

func (s *Scheduler) desc(id string) registry.UnitDescriptor {
	d, _ := s.reg.Unit(id)
	return d
}

// GatherInputs resolves a set of required keys to their current store
// values. Missing keys are returned separately so callers can report
// exactly what is absent.
func GatherInputs(st store.Store, reg *registry.Registry, keys []string) (map[string]string, []string, error) {
	inputs := make(map[string]string, len(keys))
	var missing []string
	for _, key := range keys {
		producer, ok := reg.ProducerOf(key)
		if !ok {
			missing = append(missing, key)
			continue
		}
		entry, found, err := st.Get(producer, key)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			missing = append(missing, key)
			continue
		}
		inputs[key] = entry.Value
	}
	sort.Strings(missing)
	return inputs, missing, nil
}

func sortedPending(result *PhaseResult) []string {
	var ids []string
	for id, node := range result.Nodes {
		if node.Status == NodePending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func done(result *PhaseResult) bool {
	for _, node := range result.Nodes {
		if !node.terminal() {
			return false
		}
	}
	return true
}

func remaining(result *PhaseResult) int {
	n := 0
	for _, node := range result.Nodes {
		if !node.terminal() {
			n++
		}
	}
	return n
}
