// Package reconcile implements the Reconciler: a periodic sweep over the
// integrated mainline that runs health checks, scans for unresolved
// conflict markers, and turns failures into fix tasks at elevated priority,
// handed to OnFixTasksGenerated observers.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elanmora/foreman/internal/gitops"
	"github.com/elanmora/foreman/internal/mergequeue"
	"github.com/elanmora/foreman/internal/task"
)

// Check is one named health check run against the mainline working copy.
type Check struct {
	Name string
	Run  func(ctx context.Context, repo *gitops.Repo) (string, error)
}

// CheckOutcome is the per-check result of one sweep.
type CheckOutcome struct {
	Name   string
	Passed bool
	Output string
}

// SweepResult summarizes one sweep cycle.
type SweepResult struct {
	Results         []CheckOutcome
	ConflictMarkers []string
	AllGreen        bool
	Stale           bool
	GreenStreak     int
	NextInterval    time.Duration
}

// Config configures a Reconciler.
type Config struct {
	Checks            []Check
	IntervalFloor     time.Duration
	IntervalCeiling   time.Duration
	GreenStreakTarget int
	MaxFixTasks       int
	FixIDPrefix       string
}

// FixTaskGenerator produces fix-task descriptions from a failed sweep. The
// orchestrator satisfies this with a thin adapter over its own llm.Session
// on the planner's client; tests use a fake.
type FixTaskGenerator interface {
	GenerateFixes(ctx context.Context, result SweepResult, budget int) ([]FixTaskSpec, error)
}

// FixTaskSpec is one proposed fix task, prior to id/branch assignment.
type FixTaskSpec struct {
	Description string
	Scope       []string
	Acceptance  string
}

// Reconciler runs adaptive-interval sweeps against a shared working copy.
type Reconciler struct {
	cfg      Config
	repo     *gitops.Repo
	gitMu    *gitops.Mutex
	mainBranch string
	mergeQ   *mergequeue.Queue
	gen      FixTaskGenerator

	interval        time.Duration
	greenStreak     int
	lastTotalMerged int
	lastAllGreen    bool
	haveLastResult  bool
	lastResult      SweepResult
	fixSeq          int
	fixTasksCreated int
	recentFixScopes map[string]struct{}

	onSweepComplete    []func(SweepResult)
	onFixTasksGenerated []func([]task.Task)
}

// NewReconciler constructs a Reconciler. mainBranch is checked out before
// every sweep. The reconciler never writes to the task queue directly: fix
// tasks it proposes are handed to OnFixTasksGenerated observers, which the
// orchestrator wires to the planner's InjectTask.
func NewReconciler(cfg Config, repo *gitops.Repo, gitMu *gitops.Mutex, mainBranch string, mergeQ *mergequeue.Queue, gen FixTaskGenerator) *Reconciler {
	if cfg.IntervalFloor <= 0 {
		cfg.IntervalFloor = 10 * time.Second
	}
	if cfg.IntervalCeiling <= 0 {
		cfg.IntervalCeiling = 2 * time.Minute
	}
	if cfg.GreenStreakTarget <= 0 {
		cfg.GreenStreakTarget = 3
	}
	if cfg.FixIDPrefix == "" {
		cfg.FixIDPrefix = "fix-"
	}
	return &Reconciler{
		cfg:             cfg,
		repo:            repo,
		gitMu:           gitMu,
		mainBranch:      mainBranch,
		mergeQ:          mergeQ,
		gen:             gen,
		interval:        cfg.IntervalFloor,
		recentFixScopes: make(map[string]struct{}),
	}
}

// OnSweepComplete registers an observer fired after every sweep.
func (r *Reconciler) OnSweepComplete(fn func(SweepResult)) { r.onSweepComplete = append(r.onSweepComplete, fn) }

// OnFixTasksGenerated registers an observer fired with the batch of fix
// tasks produced by a failed sweep, after budget and dedup filtering.
func (r *Reconciler) OnFixTasksGenerated(fn func([]task.Task)) {
	r.onFixTasksGenerated = append(r.onFixTasksGenerated, fn)
}

// Interval reports the current adaptive sweep interval.
func (r *Reconciler) Interval() time.Duration { return r.interval }

// GreenStreak reports the current consecutive all-green sweep count.
func (r *Reconciler) GreenStreak() int { return r.greenStreak }

// Run loops Sweep at the adaptive interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	timer := time.NewTimer(r.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			_, _ = r.Sweep(ctx)
			timer.Reset(r.interval)
		}
	}
}

// Sweep executes one sweep cycle: clean the mainline working copy, run every
// configured check concurrently, scan for conflict markers, update the
// green-streak and adaptive interval, and generate fix tasks on failure.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	totalMerged := 0
	if r.mergeQ != nil {
		totalMerged = r.mergeQ.Snapshot().TotalMerged
	}

	if r.haveLastResult && r.lastAllGreen && totalMerged == r.lastTotalMerged {
		stale := r.lastResult
		stale.Stale = true
		r.applyOutcome(stale)
		return stale, nil
	}

	r.gitMu.Lock()
	r.repo.AbortMergeOrRebase(ctx)
	_ = r.repo.ResetHard(ctx, "HEAD")
	_ = r.repo.CleanUntracked(ctx)
	_ = r.repo.Checkout(ctx, r.mainBranch)
	conflictMarkers, _ := r.repo.Grep(ctx, gitops.ConflictMarkerPattern)
	r.gitMu.Unlock()

	outcomes := r.runChecksConcurrently(ctx)

	allGreen := len(conflictMarkers) == 0
	for _, o := range outcomes {
		if !o.Passed {
			allGreen = false
		}
	}

	result := SweepResult{
		Results:         outcomes,
		ConflictMarkers: conflictMarkers,
		AllGreen:        allGreen,
	}

	r.lastTotalMerged = totalMerged
	r.lastAllGreen = allGreen
	r.haveLastResult = true
	r.lastResult = result

	r.applyOutcome(result)

	if !allGreen && r.gen != nil {
		r.generateFixTasks(ctx, result)
	}

	return result, nil
}

func (r *Reconciler) runChecksConcurrently(ctx context.Context) []CheckOutcome {
	outcomes := make([]CheckOutcome, len(r.cfg.Checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range r.cfg.Checks {
		i, c := i, c
		g.Go(func() error {
			output, err := c.Run(gctx, r.repo)
			outcomes[i] = CheckOutcome{Name: c.Name, Passed: err == nil, Output: output}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *Reconciler) applyOutcome(result SweepResult) {
	if result.AllGreen {
		r.greenStreak++
		if r.greenStreak >= r.cfg.GreenStreakTarget {
			r.interval = r.cfg.IntervalCeiling
		}
		r.recentFixScopes = make(map[string]struct{})
	} else {
		r.greenStreak = 0
		r.interval = r.cfg.IntervalFloor
	}
	result.GreenStreak = r.greenStreak
	result.NextInterval = r.interval
	for _, fn := range r.onSweepComplete {
		fn(result)
	}
}

// generateFixTasks asks the configured generator for fix proposals, drops
// any whose scope is wholly covered by recently-issued fixes (dedup, avoiding fix
// thrash over the same files), assigns ids/branches at priority 1, and
// hands the batch to OnFixTasksGenerated observers.
func (r *Reconciler) generateFixTasks(ctx context.Context, result SweepResult) {
	budget := r.cfg.MaxFixTasks - r.fixTasksCreated
	if budget <= 0 {
		return
	}
	specs, err := r.gen.GenerateFixes(ctx, result, budget)
	if err != nil {
		return
	}
	var created []task.Task
	for _, spec := range specs {
		if r.fixTasksCreated >= r.cfg.MaxFixTasks {
			break
		}
		if r.overlapsRecentFix(spec.Scope) {
			continue
		}
		r.fixSeq++
		id := fmt.Sprintf("%s%03d", r.cfg.FixIDPrefix, r.fixSeq)
		t := task.Task{
			ID:          id,
			Branch:      id,
			Description: spec.Description,
			Acceptance:  spec.Acceptance,
			Scope:       spec.Scope,
			Priority:    1,
			CreatedAt:   time.Now().UTC(),
		}
		created = append(created, t)
		for _, f := range spec.Scope {
			r.recentFixScopes[f] = struct{}{}
		}
		r.fixTasksCreated++
	}
	if len(created) == 0 {
		return
	}
	for _, fn := range r.onFixTasksGenerated {
		fn(created)
	}
}

// overlapsRecentFix reports whether scope is wholly covered by the
// recent-fix-scopes set — every file in scope was already touched by a
// recent fix, not merely one of them. A task that also reaches new files is
// not a duplicate and must not be dropped.
func (r *Reconciler) overlapsRecentFix(scope []string) bool {
	if len(scope) == 0 {
		return false
	}
	for _, f := range scope {
		if _, ok := r.recentFixScopes[f]; !ok {
			return false
		}
	}
	return true
}
