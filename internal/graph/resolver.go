// Package graph computes per-phase execution order from the declared
// input/output keys of the registry. Dependencies are a first-class typed
// graph rather than implicit ordering by declaration position, so ordering
// is verifiable and cycles are detected up front.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"cadence/internal/registry"
)

// ErrCyclic indicates a dependency cycle within a phase. Fatal at startup;
// no unit in the affected phase is ever scheduled.
var ErrCyclic = errors.New("cyclic dependency")

// PhasePlan is the resolved execution structure for one phase. Only
// schedulable units appear: reviewers are invoked by the gate controller
// and fixers by the retry loop.
type PhasePlan struct {
	Phase int

	// Order is a topological order of the phase's schedulable units.
	// Concurrently-ready units may still dispatch in any order.
	Order []string

	// Downstream maps a unit to its in-phase dependents.
	Downstream map[string][]string

	// Upstream maps a unit to its in-phase prerequisites.
	Upstream map[string][]string
}

// Resolver builds PhasePlans from a registry.
type Resolver struct {
	reg *registry.Registry
}

// NewResolver creates a resolver over an immutable registry.
func NewResolver(reg *registry.Registry) *Resolver {
	return &Resolver{reg: reg}
}

// Resolve builds plans for every phase in ascending order. Any
// configuration error aborts the whole resolution; a partially resolvable
// registry is still an invalid registry.
func (r *Resolver) Resolve() ([]PhasePlan, error) {
	var plans []PhasePlan
	for _, phase := range r.reg.Phases() {
		plan, err := r.ResolvePhase(phase)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// ResolvePhase builds the plan for a single phase. It fails with
// registry.ErrInvalid for unresolved dependencies and ErrCyclic (naming
// the cycle) when the phase graph is not a DAG.
func (r *Resolver) ResolvePhase(phase int) (PhasePlan, error) {
	plan := PhasePlan{
		Phase:      phase,
		Downstream: make(map[string][]string),
		Upstream:   make(map[string][]string),
	}

	var schedulable []registry.UnitDescriptor
	for _, u := range r.reg.UnitsInPhase(phase) {
		// Cross-phase edges are not modeled: phase N's outputs are all
		// present before phase N+1 starts, enforced by the driver.
		if err := r.checkResolvable(u); err != nil {
			return PhasePlan{}, err
		}
		if u.Kind == registry.KindNormal {
			schedulable = append(schedulable, u)
		}
	}

	// Edge A -> B when B requires a key A produces, within the phase.
	inPhase := make(map[string]registry.UnitDescriptor, len(schedulable))
	for _, u := range schedulable {
		inPhase[u.ID] = u
	}
	indegree := make(map[string]int, len(schedulable))
	for _, u := range schedulable {
		indegree[u.ID] = 0
	}
	for _, b := range schedulable {
		for _, key := range b.Requires {
			producerID, ok := r.reg.ProducerOf(key)
			if !ok {
				continue
			}
			if _, samePhase := inPhase[producerID]; !samePhase || producerID == b.ID {
				continue
			}
			if contains(plan.Downstream[producerID], b.ID) {
				continue
			}
			plan.Downstream[producerID] = append(plan.Downstream[producerID], b.ID)
			plan.Upstream[b.ID] = append(plan.Upstream[b.ID], producerID)
			indegree[b.ID]++
		}
	}
	for id := range plan.Downstream {
		sort.Strings(plan.Downstream[id])
	}
	for id := range plan.Upstream {
		sort.Strings(plan.Upstream[id])
	}

	// Kahn's algorithm with a sorted frontier for a deterministic order.
	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		plan.Order = append(plan.Order, id)

		changed := false
		for _, dep := range plan.Downstream[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				frontier = append(frontier, dep)
				changed = true
			}
		}
		if changed {
			sort.Strings(frontier)
		}
	}

	if len(plan.Order) != len(schedulable) {
		return PhasePlan{}, fmt.Errorf("%w in phase %d: %s",
			ErrCyclic, phase, describeCycle(indegree, plan.Upstream))
	}
	return plan, nil
}

// checkResolvable verifies that every required key has a producer in the
// same or an earlier phase. A self-cycle on a single unit is reported as
// a cycle, not an unresolved key.
func (r *Resolver) checkResolvable(u registry.UnitDescriptor) error {
	for _, key := range u.Requires {
		producerID, ok := r.reg.ProducerOf(key)
		if !ok {
			return fmt.Errorf("%w: unit %q requires key %q, which no unit produces",
				registry.ErrInvalid, u.ID, key)
		}
		if producerID == u.ID {
			return fmt.Errorf("%w in phase %d: %s -> %s", ErrCyclic, u.Phase, u.ID, u.ID)
		}
		producer, _ := r.reg.Unit(producerID)
		if producer.Phase > u.Phase {
			return fmt.Errorf("%w: unit %q in phase %d requires key %q produced in later phase %d by %q",
				registry.ErrInvalid, u.ID, u.Phase, key, producer.Phase, producerID)
		}
	}
	return nil
}

// describeCycle walks the unresolved remainder of the graph and names one
// cycle for the error message.
func describeCycle(indegree map[string]int, upstream map[string][]string) string {
	var stuck []string
	for id, deg := range indegree {
		if deg > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	if len(stuck) == 0 {
		return "unresolvable order"
	}

	// Follow upstream edges among stuck nodes until one repeats.
	inStuck := make(map[string]bool, len(stuck))
	for _, id := range stuck {
		inStuck[id] = true
	}
	seen := map[string]int{}
	path := []string{stuck[0]}
	seen[stuck[0]] = 0
	current := stuck[0]
	for {
		next := ""
		for _, up := range upstream[current] {
			if inStuck[up] {
				next = up
				break
			}
		}
		if next == "" {
			return strings.Join(stuck, ", ")
		}
		if start, repeated := seen[next]; repeated {
			cycle := append(path[start:], next)
			// Reverse so the cycle reads in dependency order.
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return strings.Join(cycle, " -> ")
		}
		seen[next] = len(path)
		path = append(path, next)
		current = next
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
