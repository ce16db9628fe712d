package graph

import (
	"errors"
	"strings"
	"testing"

	"cadence/internal/registry"
)

func mustRegistry(t *testing.T, units []registry.UnitDescriptor) *registry.Registry {
	t.Helper()
	reg, err := registry.New(units)
	if err != nil {
		t.Fatalf("registry.New failed: %v", err)
	}
	return reg
}

func orderIndex(t *testing.T, order []string, id string) int {
	t.Helper()
	for i, v := range order {
		if v == id {
			return i
		}
	}
	t.Fatalf("unit %q not in order %v", id, order)
	return -1
}

func TestResolveChainOrder(t *testing.T) {
	reg := mustRegistry(t, []registry.UnitDescriptor{
		{ID: "c", Phase: 1, Requires: []string{"k2"}, Produces: []string{"k3"}},
		{ID: "a", Phase: 1, Produces: []string{"k1"}},
		{ID: "b", Phase: 1, Requires: []string{"k1"}, Produces: []string{"k2"}},
	})

	plan, err := NewResolver(reg).ResolvePhase(1)
	if err != nil {
		t.Fatalf("ResolvePhase failed: %v", err)
	}
	if len(plan.Order) != 3 {
		t.Fatalf("order %v, want 3 units", plan.Order)
	}
	if ai, bi, ci := orderIndex(t, plan.Order, "a"), orderIndex(t, plan.Order, "b"), orderIndex(t, plan.Order, "c"); ai > bi || bi > ci {
		t.Errorf("order %v violates a before b before c", plan.Order)
	}
	if got := plan.Downstream["a"]; len(got) != 1 || got[0] != "b" {
		t.Errorf("Downstream[a] = %v, want [b]", got)
	}
	if got := plan.Upstream["c"]; len(got) != 1 || got[0] != "b" {
		t.Errorf("Upstream[c] = %v, want [b]", got)
	}
}

func TestResolveIndependentUnitsDeterministic(t *testing.T) {
	reg := mustRegistry(t, []registry.UnitDescriptor{
		{ID: "gamma", Phase: 1},
		{ID: "alpha", Phase: 1},
		{ID: "beta", Phase: 1},
	})

	first, err := NewResolver(reg).ResolvePhase(1)
	if err != nil {
		t.Fatalf("ResolvePhase failed: %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	for i, id := range want {
		if first.Order[i] != id {
			t.Fatalf("order %v, want %v", first.Order, want)
		}
	}

	// Same registry, same plan, every time.
	for i := 0; i < 5; i++ {
		again, err := NewResolver(reg).ResolvePhase(1)
		if err != nil {
			t.Fatalf("ResolvePhase failed: %v", err)
		}
		if strings.Join(again.Order, ",") != strings.Join(first.Order, ",") {
			t.Fatalf("order changed between resolutions: %v vs %v", again.Order, first.Order)
		}
	}
}

func TestReviewersAndFixersNotScheduled(t *testing.T) {
	reg := mustRegistry(t, []registry.UnitDescriptor{
		{ID: "tests", Phase: 1, Validator: true, FailureKey: "test_report", Produces: []string{"test_report"}},
		{ID: "fix", Phase: 1, Kind: registry.KindFixer, Fixes: "tests", Requires: []string{"test_report"}},
		{ID: "review", Phase: 1, Kind: registry.KindReviewer, Requires: []string{"test_report"}},
	})

	plan, err := NewResolver(reg).ResolvePhase(1)
	if err != nil {
		t.Fatalf("ResolvePhase failed: %v", err)
	}
	if len(plan.Order) != 1 || plan.Order[0] != "tests" {
		t.Errorf("order %v, want [tests]", plan.Order)
	}
}

func TestCycleDetected(t *testing.T) {
	reg := mustRegistry(t, []registry.UnitDescriptor{
		{ID: "a", Phase: 1, Requires: []string{"kb"}, Produces: []string{"ka"}},
		{ID: "b", Phase: 1, Requires: []string{"ka"}, Produces: []string{"kb"}},
	})

	_, err := NewResolver(reg).ResolvePhase(1)
	if !errors.Is(err, ErrCyclic) {
		t.Fatalf("expected ErrCyclic, got %v", err)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("cycle error should name the cycle, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "b") {
		t.Errorf("cycle error should name both units, got %q", err.Error())
	}
}

func TestSelfCycleDetected(t *testing.T) {
	reg := mustRegistry(t, []registry.UnitDescriptor{
		{ID: "a", Phase: 1, Requires: []string{"ka"}, Produces: []string{"ka"}},
	})
	_, err := NewResolver(reg).ResolvePhase(1)
	if !errors.Is(err, ErrCyclic) {
		t.Fatalf("expected ErrCyclic for self-dependency, got %v", err)
	}
}

func TestUnresolvedKeyRejected(t *testing.T) {
	reg := mustRegistry(t, []registry.UnitDescriptor{
		{ID: "b", Phase: 1, Requires: []string{"nowhere"}},
	})
	_, err := NewResolver(reg).ResolvePhase(1)
	if !errors.Is(err, registry.ErrInvalid) {
		t.Fatalf("expected registry.ErrInvalid, got %v", err)
	}
	if !strings.Contains(err.Error(), "nowhere") {
		t.Errorf("error should name the missing key, got %q", err.Error())
	}
}

func TestLaterPhaseProducerRejected(t *testing.T) {
	reg := mustRegistry(t, []registry.UnitDescriptor{
		{ID: "early", Phase: 1, Requires: []string{"late_out"}},
		{ID: "late", Phase: 2, Produces: []string{"late_out"}},
	})
	_, err := NewResolver(reg).ResolvePhase(1)
	if !errors.Is(err, registry.ErrInvalid) {
		t.Fatalf("expected registry.ErrInvalid, got %v", err)
	}
}

func TestEarlierPhaseProducerIsNotAnEdge(t *testing.T) {
	reg := mustRegistry(t, []registry.UnitDescriptor{
		{ID: "gen", Phase: 1, Produces: []string{"design"}},
		{ID: "build", Phase: 2, Requires: []string{"design"}, Produces: []string{"artifact"}},
	})

	plan, err := NewResolver(reg).ResolvePhase(2)
	if err != nil {
		t.Fatalf("ResolvePhase failed: %v", err)
	}
	if len(plan.Order) != 1 || plan.Order[0] != "build" {
		t.Errorf("order %v, want [build]", plan.Order)
	}
	if len(plan.Upstream["build"]) != 0 {
		t.Errorf("cross-phase requirement must not create an in-phase edge, got %v", plan.Upstream["build"])
	}
}

func TestResolveAllPhasesAbortsOnAnyError(t *testing.T) {
	reg := mustRegistry(t, []registry.UnitDescriptor{
		{ID: "ok", Phase: 1},
		{ID: "x", Phase: 2, Requires: []string{"ky"}, Produces: []string{"kx"}},
		{ID: "y", Phase: 2, Requires: []string{"kx"}, Produces: []string{"ky"}},
	})
	if _, err := NewResolver(reg).Resolve(); !errors.Is(err, ErrCyclic) {
		t.Fatalf("Resolve should surface the phase 2 cycle, got %v", err)
	}
}
