package orchestrate

import (
	"context"
	"errors"
	"testing"

	"github.com/elanmora/foreman/internal/llm"
	"github.com/elanmora/foreman/internal/mergequeue"
	"github.com/elanmora/foreman/internal/reconcile"
	"github.com/elanmora/foreman/internal/sandbox"
	"github.com/elanmora/foreman/internal/task"
)

type stubRunner struct{}

func (stubRunner) Run(_ context.Context, payload sandbox.Payload, _ sandbox.LineObserver) (sandbox.Handoff, error) {
	return sandbox.Handoff{TaskID: payload.Task.ID, Status: sandbox.HandoffComplete, FilesChanged: []string{"x.go"}}, nil
}

type stubClient struct{}

func (stubClient) Complete(context.Context, []llm.Message) (string, int, error) { return "[]", 1, nil }

func newFixture(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(Options{
		RepoRoot:      t.TempDir(),
		Runner:        stubRunner{},
		PlannerClient: stubClient{},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return o
}

func TestNewOrchestratorRequiresRepoRoot(t *testing.T) {
	t.Parallel()
	_, err := NewOrchestrator(Options{Runner: stubRunner{}, PlannerClient: stubClient{}})
	if err == nil {
		t.Fatal("expected an error for a missing RepoRoot")
	}
}

func TestNewOrchestratorRequiresRunnerAndClient(t *testing.T) {
	t.Parallel()
	if _, err := NewOrchestrator(Options{RepoRoot: t.TempDir(), PlannerClient: stubClient{}}); err == nil {
		t.Fatal("expected an error for a missing Runner")
	}
	if _, err := NewOrchestrator(Options{RepoRoot: t.TempDir(), Runner: stubRunner{}}); err == nil {
		t.Fatal("expected an error for a missing PlannerClient")
	}
}

func TestNewOrchestratorAppliesDefaults(t *testing.T) {
	t.Parallel()
	o := newFixture(t)
	if o.opts.MainBranch != "main" {
		t.Fatalf("MainBranch = %q, want main", o.opts.MainBranch)
	}
	if o.opts.Finalization.MaxAttempts != 3 {
		t.Fatalf("Finalization.MaxAttempts = %d, want 3", o.opts.Finalization.MaxAttempts)
	}
	if o.opts.MergeStrategy == "" {
		t.Fatal("MergeStrategy should have a default")
	}
}

func TestHandleConflictInjectsFixTaskAndTracksBudget(t *testing.T) {
	t.Parallel()
	o := newFixture(t)

	o.handleConflict(mergequeue.ConflictInfo{Branch: "worker/task-001-foo", ConflictingFiles: []string{"a.go", "b.go"}})

	if o.conflictFixCount != 1 {
		t.Fatalf("conflictFixCount = %d, want 1", o.conflictFixCount)
	}
	branches := o.planner.DispatchedBranches()
	if len(branches) != 0 {
		t.Fatalf("conflict-fix task should only be injected, not yet admitted: %v", branches)
	}
}

func TestHandleConflictOnConflictFixBranchIsPreservedNotReinjected(t *testing.T) {
	t.Parallel()
	o := newFixture(t)

	o.handleConflict(mergequeue.ConflictInfo{Branch: conflictFixBranchPrefix + "001", ConflictingFiles: []string{"a.go"}})

	if o.conflictFixCount != 0 {
		t.Fatalf("conflictFixCount = %d, want 0 (cascade must not spawn another fix task)", o.conflictFixCount)
	}
	if _, ok := o.preservedBranches[conflictFixBranchPrefix+"001"]; !ok {
		t.Fatal("expected the conflict-fix branch to be preserved for finalization")
	}
}

func TestHandleConflictStopsInjectingAtBudget(t *testing.T) {
	t.Parallel()
	o := newFixture(t)
	o.conflictFixCount = maxConflictFixTasks

	o.handleConflict(mergequeue.ConflictInfo{Branch: "worker/task-999-bar", ConflictingFiles: []string{"c.go"}})

	if o.conflictFixCount != maxConflictFixTasks {
		t.Fatalf("conflictFixCount = %d, want unchanged at budget %d", o.conflictFixCount, maxConflictFixTasks)
	}
	if _, ok := o.preservedBranches["worker/task-999-bar"]; !ok {
		t.Fatal("expected the over-budget conflicting branch to be preserved for finalization")
	}
}

func TestOnTaskCreatedDoesNotEnqueueIntoMergeQueue(t *testing.T) {
	t.Parallel()
	o := newFixture(t)

	o.onTaskCreated(task.Task{ID: "t1", Branch: "worker/t1", Priority: 2})

	if got := o.mergeQ.Len(); got != 0 {
		t.Fatalf("merge queue length = %d, want 0 (a freshly created task has no branch to merge yet)", got)
	}
}

func TestOnTaskCompleteEnqueuesIntoMergeQueue(t *testing.T) {
	t.Parallel()
	o := newFixture(t)
	if err := o.queue.Enqueue(task.Task{ID: "t1", Branch: "worker/t1", Priority: 2}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	o.onTaskComplete(sandbox.Handoff{TaskID: "t1", Status: sandbox.HandoffComplete})

	if got := o.mergeQ.Len(); got != 1 {
		t.Fatalf("merge queue length = %d, want 1", got)
	}
}

func TestOnTaskCompleteIgnoresNonCompleteHandoffs(t *testing.T) {
	t.Parallel()
	o := newFixture(t)
	if err := o.queue.Enqueue(task.Task{ID: "t1", Branch: "worker/t1", Priority: 2}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	o.onTaskComplete(sandbox.Handoff{TaskID: "t1", Status: sandbox.HandoffPartial})

	if got := o.mergeQ.Len(); got != 0 {
		t.Fatalf("merge queue length = %d, want 0 for a non-complete handoff", got)
	}
}

func TestOnFixTasksGeneratedInjectsEachAndTracksCounters(t *testing.T) {
	t.Parallel()
	o := newFixture(t)

	o.onFixTasksGenerated([]task.Task{
		{ID: "fix-001", Branch: "fix-001"},
		{ID: "fix-002", Branch: "fix-002"},
	})

	if o.fixTasksInjected != 2 {
		t.Fatalf("fixTasksInjected = %d, want 2", o.fixTasksInjected)
	}
	if o.lastFixBatch != 2 {
		t.Fatalf("lastFixBatch = %d, want 2", o.lastFixBatch)
	}
}

func TestOnSweepCompleteRecordsGreenState(t *testing.T) {
	t.Parallel()
	o := newFixture(t)

	o.onSweepComplete(reconcile.SweepResult{AllGreen: false, ConflictMarkers: []string{"a.go"}})

	if o.lastAllGreen {
		t.Fatal("lastAllGreen should be false after a failed sweep")
	}
}

func TestOnIterationCompleteRecordsIteration(t *testing.T) {
	t.Parallel()
	o := newFixture(t)
	o.onIterationComplete(7)
	if o.plannerIteration != 7 {
		t.Fatalf("plannerIteration = %d, want 7", o.plannerIteration)
	}
}

func TestGetSnapshotReflectsHandlerEffects(t *testing.T) {
	t.Parallel()
	o := newFixture(t)

	o.onTaskCreated(task.Task{ID: "t1", Branch: "worker/t1", Priority: 1})
	o.onFixTasksGenerated([]task.Task{{ID: "fix-001", Branch: "fix-001"}})
	o.onIterationComplete(3)
	o.onSweepComplete(reconcile.SweepResult{AllGreen: true})

	snap := o.GetSnapshot()
	if snap.PlannerIteration != 3 {
		t.Fatalf("PlannerIteration = %d, want 3", snap.PlannerIteration)
	}
	if snap.FixTasksInjected != 1 {
		t.Fatalf("FixTasksInjected = %d, want 1", snap.FixTasksInjected)
	}
	if !snap.AllGreen {
		t.Fatal("AllGreen should be true after an all-green sweep")
	}
}

func TestDedupeStringsRemovesDuplicatesPreservingOrder(t *testing.T) {
	t.Parallel()
	got := dedupeStrings([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("dedupeStrings = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dedupeStrings = %v, want %v", got, want)
		}
	}
}

func TestIsConflictFixBranch(t *testing.T) {
	t.Parallel()
	if !isConflictFixBranch(conflictFixBranchPrefix + "003") {
		t.Fatal("expected a conflict-fix-prefixed branch to be recognized")
	}
	if isConflictFixBranch("worker/task-001-foo") {
		t.Fatal("did not expect a plain worker branch to be recognized as a conflict-fix branch")
	}
}

func TestUnmergedDispatchedBranchesLockedIncludesPreservedUnmergedBranches(t *testing.T) {
	t.Parallel()
	o := newFixture(t)

	o.mu.Lock()
	o.preservedBranches["worker/conflict-fix-001"] = struct{}{}
	o.preservedBranches["worker/timed-out-task"] = struct{}{}
	unmerged := o.unmergedDispatchedBranchesLocked()
	o.mu.Unlock()

	found := map[string]bool{}
	for _, b := range unmerged {
		found[b] = true
	}
	if !found["worker/conflict-fix-001"] || !found["worker/timed-out-task"] {
		t.Fatalf("unmerged branches = %v, want both preserved branches present (neither ever merged)", unmerged)
	}
}

func TestOnWorkerFailedAndEmptyDiffDoNotPanicWithoutEventLog(t *testing.T) {
	t.Parallel()
	o := newFixture(t)
	o.onWorkerFailed("t1", errors.New("boom"))
	o.onEmptyDiff("t1")
	o.onPlannerError(errors.New("boom"))
	o.onMergeResult(mergequeue.Result{Branch: "worker/t1", Outcome: mergequeue.OutcomeMerged})
}
