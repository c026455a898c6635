// Package orchestrate implements the Orchestrator: the top-level assembly
// that wires the task queue, scope tracker, merge queue, worker dispatcher,
// reconciler, and planner together, routes their events to one another, and
// drives the run to completion or to finalization.
package orchestrate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elanmora/foreman/internal/dispatch"
	"github.com/elanmora/foreman/internal/eventlog"
	"github.com/elanmora/foreman/internal/gitops"
	"github.com/elanmora/foreman/internal/llm"
	"github.com/elanmora/foreman/internal/mergequeue"
	"github.com/elanmora/foreman/internal/plan"
	"github.com/elanmora/foreman/internal/reconcile"
	"github.com/elanmora/foreman/internal/sandbox"
	"github.com/elanmora/foreman/internal/scope"
	"github.com/elanmora/foreman/internal/task"
	"github.com/elanmora/foreman/internal/worktree"
)

// maxConflictFixTasks bounds how many conflict-fix tasks the orchestrator
// will inject across a single run, independent of the reconciler's own
// fix-task budget.
const maxConflictFixTasks = 30

// conflictFixBranchPrefix marks a branch as a conflict-fix task's own
// branch, so a conflict on that branch is never used to spawn another
// conflict-fix task (cascade prevention).
const conflictFixBranchPrefix = "worker/conflict-fix-"

// Options configures a new Orchestrator. Every field mirrors one of
// spec §6.5's configuration options; zero values fall back to the
// defaults applied by the component constructors they are passed to.
type Options struct {
	RepoRoot            string
	RepoURL             string
	GitToken            string
	MainBranch          string
	BranchPrefix        string
	MergeStrategy       gitops.Strategy
	MaxWorkers          int
	WorkerTimeout       time.Duration
	SystemPrompt        string
	LLMConfig           sandbox.LLMConfig
	Runner              sandbox.Runner
	PlannerClient       llm.Client
	PlannerSystemPrompt string
	ReconcilerChecks    []reconcile.Check
	ReconcilerInterval  time.Duration
	ReconcilerGenerator reconcile.FixTaskGenerator
	MaxFixTasks         int
	HealthCheckInterval time.Duration
	MaxRetries          int
	EventLog            *eventlog.Logger
	Finalization        FinalizationConfig
}

// FinalizationConfig bounds the finalization state machine spec §4.7 runs
// once the planner reports done.
type FinalizationConfig struct {
	MaxAttempts   int
	SweepTimeout  time.Duration
}

// MetricsSnapshot is the orchestrator's point-in-time view of run health,
// returned by GetSnapshot and as Run's result.
type MetricsSnapshot struct {
	MergeStats          mergequeue.Stats
	PendingTasks        int
	ActiveTasks         int
	ActiveWorkers       int
	WorkerCapacity      int
	ActiveToolCalls     int
	PlannerIteration    int
	ReconcilerGreenStreak int
	FixTasksInjected    int
	ConflictFixesInjected int
	FinalizationAttempts  int
	AllGreen              bool
}

// Orchestrator assembles and runs every component of one build.
type Orchestrator struct {
	opts Options

	repo      *gitops.Repo
	gitMu     *gitops.Mutex
	wt        *worktree.Manager
	queue     *task.Queue
	scopeTrk  *scope.Tracker
	mergeQ    *mergequeue.Queue
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	planner    *plan.Planner
	log        *eventlog.Logger

	mu                sync.Mutex
	conflictFixCount  int
	preservedBranches map[string]struct{}
	finalizationAttempts int
	mergeStats        mergequeue.Stats
	running           bool
	stopped           bool
	lastFixBatch      int
	lastAllGreen      bool
	fixTasksInjected  int
	plannerIteration  int

	bgCancel context.CancelFunc
	bgGroup  *errgroup.Group
}

// NewOrchestrator assembles every component from opts and wires their
// cross-cutting event subscriptions. It does not start anything; call Run.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.RepoRoot == "" {
		return nil, fmt.Errorf("orchestrate: RepoRoot is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("orchestrate: Runner is required")
	}
	if opts.PlannerClient == nil {
		return nil, fmt.Errorf("orchestrate: PlannerClient is required")
	}
	if opts.MainBranch == "" {
		opts.MainBranch = "main"
	}
	if opts.MergeStrategy == "" {
		opts.MergeStrategy = gitops.StrategyRebase
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 30 * time.Second
	}
	if opts.Finalization.MaxAttempts <= 0 {
		opts.Finalization.MaxAttempts = 3
	}
	if opts.Finalization.SweepTimeout <= 0 {
		opts.Finalization.SweepTimeout = 5 * time.Minute
	}

	repo := gitops.NewRepo(opts.RepoRoot)
	gitMu := gitops.NewMutex()
	wt, err := worktree.NewManager(opts.RepoRoot)
	if err != nil {
		return nil, fmt.Errorf("orchestrate: worktree manager: %w", err)
	}

	queue := task.NewQueue(opts.MaxRetries)
	scopeTrk := scope.NewTracker()

	mergeQ := mergequeue.NewQueue(mergequeue.Config{
		MainBranch:         opts.MainBranch,
		BranchPrefix:        opts.BranchPrefix,
		Strategy:            opts.MergeStrategy,
		ConflictFixMarker:   conflictFixBranchPrefix,
	}, repo, gitMu, wt)

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		MaxWorkers:    opts.MaxWorkers,
		WorkerTimeout: opts.WorkerTimeout,
		SystemPrompt:  opts.SystemPrompt,
		RepoURL:       opts.RepoURL,
		GitToken:      opts.GitToken,
		LLM:           opts.LLMConfig,
	}, queue, scopeTrk, opts.Runner, 64)

	gen := opts.ReconcilerGenerator
	if gen == nil {
		gen = newLLMFixGenerator(opts.PlannerClient)
	}
	reconciler := reconcile.NewReconciler(reconcile.Config{
		Checks:          opts.ReconcilerChecks,
		IntervalFloor:   opts.ReconcilerInterval,
		MaxFixTasks:     opts.MaxFixTasks,
	}, repo, gitMu, opts.MainBranch, mergeQ, gen)

	plannerSystemPrompt := opts.PlannerSystemPrompt
	if plannerSystemPrompt == "" {
		plannerSystemPrompt = "You plan and decompose work for an autonomous multi-worker build. Respond only with the documented JSON task format."
	}
	session := llm.NewSession(opts.PlannerClient, plannerSystemPrompt)
	planner := plan.NewPlanner(plan.Config{
		BranchPrefix: opts.BranchPrefix,
	}, session, opts.PlannerClient, plan.NewGitRepoReader(repo), queue, scopeTrk, dispatcher, mergeQ)

	o := &Orchestrator{
		opts:              opts,
		repo:              repo,
		gitMu:             gitMu,
		wt:                wt,
		queue:             queue,
		scopeTrk:          scopeTrk,
		mergeQ:            mergeQ,
		dispatcher:        dispatcher,
		reconciler:        reconciler,
		planner:           planner,
		log:               opts.EventLog,
		preservedBranches: make(map[string]struct{}),
	}
	o.wire()
	return o, nil
}

// wire connects every component's observer hooks per §4.7's event table to
// the orchestrator's own named handler methods, so each handler's effect is
// directly testable without needing to drive the real component that would
// otherwise fire it.
func (o *Orchestrator) wire() {
	o.mergeQ.OnMergeResult(o.onMergeResult)
	o.mergeQ.OnConflict(o.onMergeConflict)
	o.reconciler.OnSweepComplete(o.onSweepComplete)
	o.reconciler.OnFixTasksGenerated(o.onFixTasksGenerated)
	o.dispatcher.OnTaskComplete(o.onTaskComplete)
	o.dispatcher.OnWorkerFailed(o.onWorkerFailed)
	o.dispatcher.OnEmptyDiff(o.onEmptyDiff)
	o.planner.OnTaskCreated(o.onTaskCreated)
	o.planner.OnIterationComplete(o.onIterationComplete)
	o.planner.OnError(o.onPlannerError)
}

func (o *Orchestrator) onMergeResult(r mergequeue.Result) {
	o.mu.Lock()
	o.mergeStats = o.mergeQ.Snapshot()
	o.mu.Unlock()
	if o.log != nil {
		o.log.Log("merge-result", "branch", r.Branch, "outcome", string(r.Outcome), "message", r.Message)
	}
}

func (o *Orchestrator) onMergeConflict(c mergequeue.ConflictInfo) {
	o.mu.Lock()
	o.mergeStats = o.mergeQ.Snapshot()
	o.mu.Unlock()
	if o.log != nil {
		o.log.Log("merge-conflict", "branch", c.Branch, "files", c.ConflictingFiles)
	}
	o.handleConflict(c)
}

// onSweepComplete pushes the latest sweep result into the planner for its
// next prompt and drains the dispatcher's timed-out branches into
// preservedBranches, so finalization re-enqueues them; a preserved branch
// the merge queue has since recorded as merged is skipped there.
func (o *Orchestrator) onSweepComplete(r reconcile.SweepResult) {
	o.planner.PushSweepResult(r)
	o.mu.Lock()
	o.lastAllGreen = r.AllGreen
	o.mu.Unlock()
	for _, branch := range o.dispatcher.DrainTimedOut() {
		o.mu.Lock()
		o.preservedBranches[branch] = struct{}{}
		o.mu.Unlock()
		if o.log != nil {
			o.log.WorkerTimeout("", branch)
		}
	}
	if o.log != nil {
		o.log.SweepComplete(r.AllGreen, len(r.ConflictMarkers), r.GreenStreak)
	}
}

func (o *Orchestrator) onFixTasksGenerated(tasks []task.Task) {
	o.mu.Lock()
	o.lastFixBatch += len(tasks)
	o.fixTasksInjected += len(tasks)
	o.mu.Unlock()
	for _, t := range tasks {
		o.planner.InjectTask(t)
		if o.log != nil {
			o.log.TaskCreated(t.ID, t.Branch)
		}
	}
}

// onTaskComplete enqueues the completed task's branch into the merge queue.
// Only a complete handoff produces a mergeable branch: partial, failed, and
// blocked handoffs leave nothing on the remote worth merging, and finalize
// is responsible for sweeping up anything the dispatcher timed out on.
func (o *Orchestrator) onTaskComplete(h sandbox.Handoff) {
	if o.log != nil {
		o.log.TaskCompleted(h.TaskID, string(h.Status))
	}
	if h.Status != sandbox.HandoffComplete {
		return
	}
	t, ok := o.queue.GetByID(h.TaskID)
	if !ok {
		return
	}
	o.mergeQ.Enqueue(t.Branch, t.Priority)
}

func (o *Orchestrator) onWorkerFailed(taskID string, err error) {
	if o.log != nil {
		o.log.Error("dispatch:"+taskID, err)
	}
}

func (o *Orchestrator) onEmptyDiff(taskID string) {
	if o.log != nil {
		o.log.EmptyDiff(taskID)
	}
}

func (o *Orchestrator) onTaskCreated(t task.Task) {
	if o.log != nil {
		o.log.TaskCreated(t.ID, t.Branch)
	}
}

func (o *Orchestrator) onIterationComplete(n int) {
	o.mu.Lock()
	o.plannerIteration = n
	o.mu.Unlock()
	if o.log != nil {
		o.log.IterationComplete(n)
	}
}

func (o *Orchestrator) onPlannerError(err error) {
	if o.log != nil {
		o.log.Error("planner", err)
	}
}

// handleConflict implements §4.7's bounded, cascade-guarded conflict-fix
// injection: a conflict on a branch that is itself a conflict-fix branch is
// preserved for finalization rather than spawning another fix task, and the
// budget is enforced independently of the reconciler's own fix-task cap.
func (o *Orchestrator) handleConflict(c mergequeue.ConflictInfo) {
	if isConflictFixBranch(c.Branch) {
		o.mu.Lock()
		o.preservedBranches[c.Branch] = struct{}{}
		o.mu.Unlock()
		return
	}

	o.mu.Lock()
	if o.conflictFixCount >= maxConflictFixTasks {
		o.preservedBranches[c.Branch] = struct{}{}
		o.mu.Unlock()
		return
	}
	o.conflictFixCount++
	n := o.conflictFixCount
	o.mu.Unlock()

	id := fmt.Sprintf("conflict-fix-%03d", n)
	t := task.Task{
		ID:                   id,
		Branch:               conflictFixBranchPrefix + fmt.Sprintf("%03d", n),
		Description:          fmt.Sprintf("Resolve merge conflicts on %s in: %s", c.Branch, strings.Join(c.ConflictingFiles, ", ")),
		Acceptance:           "branch merges into the mainline cleanly with no conflict markers",
		Scope:                c.ConflictingFiles,
		Priority:             1,
		ConflictSourceBranch: c.Branch,
		CreatedAt:            time.Now().UTC(),
	}
	o.planner.InjectTask(t)
	if o.log != nil {
		o.log.Log("conflict-fix-injected", "id", id, "sourceBranch", c.Branch)
	}
}

func isConflictFixBranch(branch string) bool {
	return strings.HasPrefix(branch, conflictFixBranchPrefix)
}

// Start launches the merge queue, reconciler, and health-monitor background
// loops under one errgroup.Group, so Stop can cancel and await all three as
// a unit instead of leaking whichever ones it forgot. Run additionally
// drives the planner synchronously; Start is only useful when the caller
// wants the background loops up before calling Run, or wants them running
// without ever calling Run (e.g. tests).
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	bgCtx, cancel := context.WithCancel(ctx)
	o.bgCancel = cancel
	g, gctx := errgroup.WithContext(bgCtx)
	o.bgGroup = g
	o.mu.Unlock()

	g.Go(func() error {
		o.mergeQ.Run(gctx)
		return nil
	})
	g.Go(func() error {
		o.reconciler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		o.healthLoop(gctx)
		return nil
	})
}

// Stop cancels the background loops and waits for all of them to return. It
// is idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	cancel := o.bgCancel
	g := o.bgGroup
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if g != nil {
		_ = g.Wait()
	}
}

func (o *Orchestrator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(o.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := o.GetSnapshot()
			if o.log != nil {
				o.log.MetricsUpdate(
					"pendingTasks", snap.PendingTasks,
					"activeTasks", snap.ActiveTasks,
					"activeWorkers", snap.ActiveWorkers,
					"totalMerged", snap.MergeStats.TotalMerged,
					"totalConflicts", snap.MergeStats.TotalConflicts,
					"plannerIteration", snap.PlannerIteration,
				)
			}
		}
	}
}

// IsRunning reports whether the planner is currently executing a turn.
func (o *Orchestrator) IsRunning() bool { return o.planner.IsRunning() }

// GetSnapshot returns the orchestrator's current view of run health.
func (o *Orchestrator) GetSnapshot() MetricsSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return MetricsSnapshot{
		MergeStats:            o.mergeStats,
		PendingTasks:          o.queue.PendingCount(),
		ActiveTasks:           o.queue.ActiveCount(),
		ActiveWorkers:         o.dispatcher.ActiveCount(),
		WorkerCapacity:        o.dispatcher.Capacity(),
		ActiveToolCalls:       o.dispatcher.TotalActiveToolCalls(),
		PlannerIteration:      o.plannerIteration,
		ReconcilerGreenStreak: o.reconciler.GreenStreak(),
		FixTasksInjected:      o.fixTasksInjected,
		ConflictFixesInjected: o.conflictFixCount,
		FinalizationAttempts:  o.finalizationAttempts,
		AllGreen:              o.lastAllGreen,
	}
}

// Run starts every background loop, drives the planner to completion for
// request, runs finalization, and returns the final metrics snapshot. Run
// owns ctx's lifetime for the planner and finalization; the merge queue and
// reconciler loops it started are stopped via Stop once Run returns.
func (o *Orchestrator) Run(ctx context.Context, request string) (MetricsSnapshot, error) {
	o.Start(ctx)
	defer o.Stop()

	if err := o.planner.Run(ctx, request); err != nil {
		return o.GetSnapshot(), fmt.Errorf("orchestrate: planner: %w", err)
	}

	if err := o.finalize(ctx); err != nil {
		return o.GetSnapshot(), fmt.Errorf("orchestrate: finalization: %w", err)
	}

	return o.GetSnapshot(), nil
}
