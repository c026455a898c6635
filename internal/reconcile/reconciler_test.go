package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/elanmora/foreman/internal/gitops"
	"github.com/elanmora/foreman/internal/task"
)

type fakeGenerator struct {
	specs []FixTaskSpec
	calls int
}

func (f *fakeGenerator) GenerateFixes(_ context.Context, _ SweepResult, budget int) ([]FixTaskSpec, error) {
	f.calls++
	if len(f.specs) > budget {
		return f.specs[:budget], nil
	}
	return f.specs, nil
}

func passingCheck(name string) Check {
	return Check{Name: name, Run: func(context.Context, *gitops.Repo) (string, error) { return "ok", nil }}
}

func failingCheck(name string) Check {
	return Check{Name: name, Run: func(context.Context, *gitops.Repo) (string, error) { return "bad", errors.New("check failed") }}
}

func newFixture(t *testing.T, checks []Check, gen FixTaskGenerator) *Reconciler {
	t.Helper()
	dir := t.TempDir()
	repo := gitops.NewRepo(dir)
	mu := gitops.NewMutex()
	cfg := Config{
		Checks:            checks,
		IntervalFloor:     time.Millisecond,
		IntervalCeiling:   time.Hour,
		GreenStreakTarget: 2,
		MaxFixTasks:       5,
	}
	return NewReconciler(cfg, repo, mu, "main", nil, gen)
}

// The tests below exercise the pure decision logic (green streak, interval,
// fix-task generation) without shelling out to git, by calling applyOutcome
// and generateFixTasks directly against a synthetic result.
func TestApplyOutcomeRaisesIntervalAfterGreenStreakTarget(t *testing.T) {
	t.Parallel()

	r := newFixture(t, nil, nil)

	r.applyOutcome(SweepResult{AllGreen: true})
	if r.Interval() != r.cfg.IntervalFloor {
		t.Fatalf("interval after 1 green = %v, want floor", r.Interval())
	}
	r.applyOutcome(SweepResult{AllGreen: true})
	if r.Interval() != r.cfg.IntervalCeiling {
		t.Fatalf("interval after green streak target = %v, want ceiling", r.Interval())
	}
	if r.GreenStreak() != 2 {
		t.Fatalf("greenStreak = %d, want 2", r.GreenStreak())
	}
}

func TestApplyOutcomeResetsStreakAndIntervalOnFailure(t *testing.T) {
	t.Parallel()

	r := newFixture(t, nil, nil)
	r.applyOutcome(SweepResult{AllGreen: true})
	r.applyOutcome(SweepResult{AllGreen: true})
	r.applyOutcome(SweepResult{AllGreen: false})

	if r.GreenStreak() != 0 {
		t.Fatalf("greenStreak = %d, want 0 after failure", r.GreenStreak())
	}
	if r.Interval() != r.cfg.IntervalFloor {
		t.Fatalf("interval = %v, want floor after failure", r.Interval())
	}
}

func TestGenerateFixTasksEnqueuesAtPriorityOne(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{specs: []FixTaskSpec{
		{Description: "fix the build", Scope: []string{"a.go"}, Acceptance: "build passes"},
	}}
	r := newFixture(t, []Check{failingCheck("build")}, gen)

	var created []task.Task
	r.OnFixTasksGenerated(func(tasks []task.Task) { created = append(created, tasks...) })
	r.generateFixTasks(context.Background(), SweepResult{AllGreen: false})

	if len(created) != 1 {
		t.Fatalf("created tasks = %d, want 1", len(created))
	}
	if created[0].Priority != 1 {
		t.Fatalf("priority = %d, want 1", created[0].Priority)
	}
	if created[0].ID != "fix-001" {
		t.Fatalf("id = %q, want fix-001", created[0].ID)
	}
}

func TestGenerateFixTasksSkipsOverlapWithRecentFix(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{specs: []FixTaskSpec{
		{Description: "first", Scope: []string{"a.go"}},
		{Description: "second", Scope: []string{"a.go"}},
	}}
	r := newFixture(t, nil, gen)

	var created []task.Task
	r.OnFixTasksGenerated(func(tasks []task.Task) { created = append(created, tasks...) })
	r.generateFixTasks(context.Background(), SweepResult{})
	r.generateFixTasks(context.Background(), SweepResult{})

	if len(created) != 1 {
		t.Fatalf("created tasks = %d, want 1 (second overlaps recently-fixed scope)", len(created))
	}
}

func TestGenerateFixTasksKeepsPartialOverlapWithRecentFix(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{specs: []FixTaskSpec{
		{Description: "first", Scope: []string{"a.go"}},
		{Description: "second", Scope: []string{"a.go", "b.go"}},
	}}
	r := newFixture(t, nil, gen)

	var created []task.Task
	r.OnFixTasksGenerated(func(tasks []task.Task) { created = append(created, tasks...) })
	r.generateFixTasks(context.Background(), SweepResult{})
	r.generateFixTasks(context.Background(), SweepResult{})

	if len(created) != 2 {
		t.Fatalf("created tasks = %d, want 2 (second task also reaches a new file, not wholly covered)", len(created))
	}
}

func TestGenerateFixTasksRespectsMaxFixTasksBudget(t *testing.T) {
	t.Parallel()

	gen := &fakeGenerator{specs: []FixTaskSpec{
		{Description: "a", Scope: []string{"a.go"}},
		{Description: "b", Scope: []string{"b.go"}},
		{Description: "c", Scope: []string{"c.go"}},
	}}
	r := newFixture(t, nil, gen)
	r.cfg.MaxFixTasks = 2

	var created []task.Task
	r.OnFixTasksGenerated(func(tasks []task.Task) { created = append(created, tasks...) })
	r.generateFixTasks(context.Background(), SweepResult{})

	if len(created) != 2 {
		t.Fatalf("created tasks = %d, want 2 (budget-capped)", len(created))
	}
}

func TestRunChecksConcurrentlyReportsEachOutcome(t *testing.T) {
	t.Parallel()

	r := newFixture(t, []Check{passingCheck("typecheck"), failingCheck("test")}, nil)
	outcomes := r.runChecksConcurrently(context.Background())

	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(outcomes))
	}
	byName := map[string]CheckOutcome{}
	for _, o := range outcomes {
		byName[o.Name] = o
	}
	if !byName["typecheck"].Passed {
		t.Fatal("typecheck should have passed")
	}
	if byName["test"].Passed {
		t.Fatal("test should have failed")
	}
}

func TestSweepSkipsRerunWhenStaleAndLastGreen(t *testing.T) {
	t.Parallel()

	calls := 0
	check := Check{Name: "build", Run: func(context.Context, *gitops.Repo) (string, error) {
		calls++
		return "ok", nil
	}}
	r := newFixture(t, []Check{check}, nil)
	dir := t.TempDir()
	r.repo = gitops.NewRepo(dir) // unused git calls are best-effort no-ops against an empty dir

	r.haveLastResult = true
	r.lastAllGreen = true
	r.lastTotalMerged = 0
	r.lastResult = SweepResult{AllGreen: true}

	result, err := r.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if !result.Stale {
		t.Fatal("expected a stale result when nothing merged since last green sweep")
	}
	if calls != 0 {
		t.Fatalf("checks ran %d times, want 0 on a stale skip", calls)
	}
}
