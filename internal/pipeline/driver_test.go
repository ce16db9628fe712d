package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadence/internal/config"
	"cadence/internal/gate"
	"cadence/internal/graph"
	"cadence/internal/logging"
	"cadence/internal/registry"
	"cadence/internal/store"
	"cadence/internal/unit"
)

func testDriverConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ArtifactDir = t.TempDir()
	cfg.PerUnitTimeoutMs = 5000
	return cfg
}

// twoPhaseUnits is a small but complete pipeline: a generator reviewed in
// phase 1, a builder reviewed in phase 2.
func twoPhaseUnits() []registry.UnitDescriptor {
	return []registry.UnitDescriptor{
		{ID: "gen", Phase: 1, Produces: []string{"design"}},
		{ID: "review1", Phase: 1, Kind: registry.KindReviewer, Requires: []string{"design"}},
		{ID: "build", Phase: 2, Requires: []string{"design"}, Produces: []string{"artifact"}},
		{ID: "review2", Phase: 2, Kind: registry.KindReviewer, Requires: []string{"artifact"}},
	}
}

func approving(score int) unit.Runner {
	return unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
		return unit.Result{Status: unit.StatusSuccess, Score: score}, nil
	})
}

func producing(outputs map[string]string) unit.Runner {
	return unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
		return unit.Result{Status: unit.StatusSuccess, Outputs: outputs}, nil
	})
}

func drainEvents(d *Driver) []PipelineEvent {
	var events []PipelineEvent
	for {
		select {
		case e := <-d.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func drainProgress(d *Driver) []Progress {
	var updates []Progress
	for {
		select {
		case p := <-d.Progress():
			updates = append(updates, p)
		default:
			return updates
		}
	}
}

func TestRunCompletesAllPhases(t *testing.T) {
	reg, err := registry.New(twoPhaseUnits())
	require.NoError(t, err)

	runners := map[string]unit.Runner{
		"gen":     producing(map[string]string{"design": "blueprint"}),
		"build":   producing(map[string]string{"artifact": "binary"}),
		"review1": approving(90),
		"review2": approving(85),
	}
	cfg := testDriverConfig(t)
	st := store.NewMemory()
	defer st.Close()

	d := New(cfg, st, reg, runners, logging.Nop())
	report, err := d.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, report.Outcome)
	require.Len(t, report.Verdicts, 2)
	assert.Equal(t, gate.VerdictApproved, report.Verdicts[0].Status)
	assert.Equal(t, gate.VerdictApproved, report.Verdicts[1].Status)
	assert.Empty(t, report.RiskLedger)
	assert.Empty(t, report.Escalations)
	assert.NotEmpty(t, report.RunID)

	// The report is on disk.
	data, err := os.ReadFile(filepath.Join(cfg.ArtifactDir, "runs", report.RunID+".json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), report.RunID)

	// Teardown cleared the coordination state.
	_, found, err := st.Get("gen", "design")
	require.NoError(t, err)
	assert.False(t, found, "unit outputs should be deleted at teardown")
	_, found, err = st.Get(gate.Namespace, "phase-1")
	require.NoError(t, err)
	assert.False(t, found, "gate verdicts should be deleted at teardown")

	events := drainEvents(d)
	var types []EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, EventPhaseStarted)
	assert.Contains(t, types, EventGateVerdict)
	assert.Contains(t, types, EventRunCompleted)
}

func TestProgressReportedPerPhase(t *testing.T) {
	reg, err := registry.New(twoPhaseUnits())
	require.NoError(t, err)

	runners := map[string]unit.Runner{
		"gen":     producing(map[string]string{"design": "blueprint"}),
		"build":   producing(map[string]string{"artifact": "binary"}),
		"review1": approving(90),
		"review2": approving(85),
	}
	st := store.NewMemory()
	defer st.Close()

	d := New(testDriverConfig(t), st, reg, runners, logging.Nop())
	report, err := d.Run(context.Background())
	require.NoError(t, err)

	updates := drainProgress(d)
	require.Len(t, updates, 2, "one progress update per completed phase")

	assert.Equal(t, report.RunID, updates[0].RunID)
	assert.Equal(t, 1, updates[0].CurrentPhase)
	assert.Equal(t, 1, updates[0].CompletedPhases)
	assert.Equal(t, 2, updates[0].TotalPhases)
	assert.InDelta(t, 0.5, updates[0].OverallProgress, 1e-9)

	assert.Equal(t, 2, updates[1].CurrentPhase)
	assert.Equal(t, 2, updates[1].CompletedPhases)
	assert.InDelta(t, 1.0, updates[1].OverallProgress, 1e-9)
}

// flakyDeleteStore refuses to delete one key so teardown has to work
// around a partial failure.
type flakyDeleteStore struct {
	store.Store
	refuseNamespace string
	refuseKey       string
}

func (f *flakyDeleteStore) Delete(namespace, key string) error {
	if namespace == f.refuseNamespace && key == f.refuseKey {
		return store.ErrUnavailable
	}
	return f.Store.Delete(namespace, key)
}

func TestTeardownContinuesPastFailedDelete(t *testing.T) {
	reg, err := registry.New(twoPhaseUnits())
	require.NoError(t, err)

	runners := map[string]unit.Runner{
		"gen":     producing(map[string]string{"design": "blueprint"}),
		"build":   producing(map[string]string{"artifact": "binary"}),
		"review1": approving(90),
		"review2": approving(85),
	}
	mem := store.NewMemory()
	defer mem.Close()
	st := &flakyDeleteStore{Store: mem, refuseNamespace: "gen", refuseKey: "design"}

	d := New(testDriverConfig(t), st, reg, runners, logging.Nop())
	_, err = d.Run(context.Background())
	require.NoError(t, err)

	// The refused key survives, everything after it is still cleared.
	_, found, err := mem.Get("gen", "design")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = mem.Get("build", "artifact")
	require.NoError(t, err)
	assert.False(t, found, "later unit outputs must still be deleted")
	_, found, err = mem.Get(gate.Namespace, "phase-1")
	require.NoError(t, err)
	assert.False(t, found, "gate verdicts must still be deleted")
}

func TestGateRejectionHaltsBeforeNextPhase(t *testing.T) {
	reg, err := registry.New(twoPhaseUnits())
	require.NoError(t, err)

	var buildRuns atomic.Int32
	runners := map[string]unit.Runner{
		"gen": producing(map[string]string{"design": "blueprint"}),
		"build": unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
			buildRuns.Add(1)
			return unit.Result{Status: unit.StatusSuccess, Outputs: map[string]string{"artifact": "binary"}}, nil
		}),
		"review1": unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
			return unit.Result{
				Status:   unit.StatusSuccess,
				Score:    20,
				Findings: []unit.Finding{{Severity: unit.SeverityCritical, Message: "design is unusable"}},
			}, nil
		}),
		"review2": approving(90),
	}
	cfg := testDriverConfig(t)
	st := store.NewMemory()
	defer st.Close()

	d := New(cfg, st, reg, runners, logging.Nop())
	report, err := d.Run(context.Background())
	require.ErrorIs(t, err, ErrGateRejected)
	require.NotNil(t, report, "a rejected run still produces a report")

	assert.Equal(t, OutcomeRejected, report.Outcome)
	assert.NotEmpty(t, report.HaltReason)
	require.Len(t, report.Verdicts, 1)
	assert.Equal(t, gate.VerdictRejected, report.Verdicts[0].Status)
	assert.Equal(t, int32(0), buildRuns.Load(), "phase 2 must never start after a rejection")
}

func TestConditionalVerdictAccumulatesRiskLedger(t *testing.T) {
	reg, err := registry.New(twoPhaseUnits())
	require.NoError(t, err)

	runners := map[string]unit.Runner{
		"gen":   producing(map[string]string{"design": "blueprint"}),
		"build": producing(map[string]string{"artifact": "binary"}),
		"review1": unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
			return unit.Result{
				Status:   unit.StatusSuccess,
				Score:    80,
				Findings: []unit.Finding{{Severity: unit.SeverityMajor, Message: "no error handling in design"}},
			}, nil
		}),
		"review2": approving(90),
	}
	cfg := testDriverConfig(t)
	st := store.NewMemory()
	defer st.Close()

	d := New(cfg, st, reg, runners, logging.Nop())
	report, err := d.Run(context.Background())
	require.NoError(t, err, "a conditional verdict lets the run proceed")

	assert.Equal(t, OutcomeCompleted, report.Outcome)
	require.Len(t, report.Verdicts, 2)
	assert.Equal(t, gate.VerdictConditional, report.Verdicts[0].Status)
	require.Len(t, report.RiskLedger, 1)
	assert.Equal(t, "no error handling in design", report.RiskLedger[0].Message)
}

func TestValidatorEscalationLandsInReport(t *testing.T) {
	reg, err := registry.New([]registry.UnitDescriptor{
		{ID: "tests", Phase: 1, Validator: true, FailureKey: "test_report", Produces: []string{"test_report"}},
		{ID: "fix", Phase: 1, Kind: registry.KindFixer, Fixes: "tests", Requires: []string{"test_report"}, Produces: []string{"patch"}},
	})
	require.NoError(t, err)

	runners := map[string]unit.Runner{
		"tests": unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
			// Same failure on every run: the fixer never helps.
			return unit.Result{Status: unit.StatusSuccess, Failures: []string{"TestStuck"}}, nil
		}),
		"fix": producing(map[string]string{"patch": "noop"}),
	}
	cfg := testDriverConfig(t)
	st := store.NewMemory()
	defer st.Close()

	d := New(cfg, st, reg, runners, logging.Nop())
	report, err := d.Run(context.Background())
	require.NoError(t, err, "an escalation is a recorded outcome, not a run failure")

	assert.Equal(t, OutcomeCompleted, report.Outcome)
	require.Len(t, report.Escalations, 1)
	esc := report.Escalations[0]
	assert.Equal(t, "tests", esc.TargetUnitID)
	assert.True(t, esc.Escalated)

	entries, err := os.ReadDir(filepath.Join(cfg.ArtifactDir, "escalations"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "escalation artifact should be on disk")
}

func TestRunFailsFastOnCyclicRegistry(t *testing.T) {
	reg, err := registry.New([]registry.UnitDescriptor{
		{ID: "a", Phase: 1, Requires: []string{"kb"}, Produces: []string{"ka"}},
		{ID: "b", Phase: 1, Requires: []string{"ka"}, Produces: []string{"kb"}},
	})
	require.NoError(t, err)

	var ran atomic.Int32
	runners := map[string]unit.Runner{
		"a": unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
			ran.Add(1)
			return unit.Result{Status: unit.StatusSuccess}, nil
		}),
		"b": unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
			ran.Add(1)
			return unit.Result{Status: unit.StatusSuccess}, nil
		}),
	}
	st := store.NewMemory()
	defer st.Close()

	d := New(testDriverConfig(t), st, reg, runners, logging.Nop())
	_, err = d.Run(context.Background())
	require.ErrorIs(t, err, graph.ErrCyclic)
	assert.Equal(t, int32(0), ran.Load(), "no unit runs when resolution fails")
}

func TestPauseDefersNextPhase(t *testing.T) {
	reg, err := registry.New([]registry.UnitDescriptor{
		{ID: "gen", Phase: 1, Produces: []string{"design"}},
	})
	require.NoError(t, err)

	var genRuns atomic.Int32
	runners := map[string]unit.Runner{
		"gen": unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
			genRuns.Add(1)
			return unit.Result{Status: unit.StatusSuccess, Outputs: map[string]string{"design": "x"}}, nil
		}),
	}
	st := store.NewMemory()
	defer st.Close()

	d := New(testDriverConfig(t), st, reg, runners, logging.Nop())
	d.Pause()

	done := make(chan struct{})
	go func() {
		defer close(done)
		report, err := d.Run(context.Background())
		assert.NoError(t, err)
		if report != nil {
			assert.Equal(t, OutcomeCompleted, report.Outcome)
		}
	}()

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(0), genRuns.Load(), "nothing runs while paused")

	d.Resume()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
	assert.Equal(t, int32(1), genRuns.Load())
}

func TestStopHaltsRun(t *testing.T) {
	reg, err := registry.New([]registry.UnitDescriptor{
		{ID: "gen", Phase: 1, Produces: []string{"design"}},
		{ID: "build", Phase: 2, Requires: []string{"design"}, Produces: []string{"artifact"}},
	})
	require.NoError(t, err)

	genStarted := make(chan struct{})
	release := make(chan struct{})
	var buildRuns atomic.Int32

	runners := map[string]unit.Runner{
		"gen": unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
			close(genStarted)
			<-release
			return unit.Result{Status: unit.StatusSuccess, Outputs: map[string]string{"design": "x"}}, nil
		}),
		"build": unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
			buildRuns.Add(1)
			return unit.Result{Status: unit.StatusSuccess, Outputs: map[string]string{"artifact": "y"}}, nil
		}),
	}
	st := store.NewMemory()
	defer st.Close()

	d := New(testDriverConfig(t), st, reg, runners, logging.Nop())

	type runResult struct {
		report *RunReport
		err    error
	}
	results := make(chan runResult, 1)
	go func() {
		report, err := d.Run(context.Background())
		results <- runResult{report, err}
	}()

	<-genStarted
	d.Stop()
	time.Sleep(100 * time.Millisecond)
	close(release)

	var res runResult
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	require.Error(t, res.err)
	require.NotNil(t, res.report)
	assert.Equal(t, OutcomeHalted, res.report.Outcome)
	assert.Equal(t, int32(0), buildRuns.Load(), "phase 2 must not start after Stop")
}

func TestSecondConcurrentRunRefused(t *testing.T) {
	reg, err := registry.New([]registry.UnitDescriptor{
		{ID: "gen", Phase: 1, Produces: []string{"design"}},
	})
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	runners := map[string]unit.Runner{
		"gen": unit.RunnerFunc(func(ctx context.Context, inv unit.Invocation) (unit.Result, error) {
			close(started)
			<-release
			return unit.Result{Status: unit.StatusSuccess, Outputs: map[string]string{"design": "x"}}, nil
		}),
	}
	st := store.NewMemory()
	defer st.Close()

	d := New(testDriverConfig(t), st, reg, runners, logging.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Run(context.Background())
	}()

	<-started
	_, err = d.Run(context.Background())
	require.Error(t, err, "a driver owns one run at a time")

	close(release)
	<-done
}
