// Package mergequeue implements the serial merge integrator: a priority
// queue of completed branches, drained one at a time into the mainline of a
// shared working copy, with conflict retry via an out-of-line rebase.
package mergequeue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elanmora/foreman/internal/gitops"
	"github.com/elanmora/foreman/internal/worktree"
)

// ErrConflict prefixes the Result message of a merge attempt that ends in
// OutcomeConflict.
var ErrConflict = errors.New("mergequeue: conflict retries exhausted")

// Outcome labels the result of one merge attempt.
type Outcome string

const (
	OutcomeMerged   Outcome = "merged"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
	OutcomeConflict Outcome = "conflict"
)

// Result is delivered to onMergeResult observers.
type Result struct {
	Branch  string
	Outcome Outcome
	Message string
}

// ConflictInfo is delivered to onConflict observers when retries are
// exhausted or the out-of-line rebase fails.
type ConflictInfo struct {
	Branch           string
	ConflictingFiles []string
}

// Stats exposes read-only merge queue counters.
type Stats struct {
	TotalMerged    int
	TotalSkipped   int
	TotalFailed    int
	TotalConflicts int
}

// Entry is a queued branch awaiting integration.
type Entry struct {
	Branch     string
	Priority   int
	EnqueuedAt time.Time
	sequence   uint64
}

// Config configures Queue behavior.
type Config struct {
	MainBranch         string
	BranchPrefix       string
	Strategy           gitops.Strategy
	MaxConflictRetries int
	TickInterval       time.Duration
	ConflictFixMarker  string
}

// Queue is the serial merge integrator.
type Queue struct {
	cfg    Config
	repo   *gitops.Repo
	mu     *gitops.Mutex
	wt     *worktree.Manager

	mtx          sync.Mutex
	heapEntries  entryHeap
	inQueue      map[string]struct{}
	merged       map[string]struct{}
	retryCounts  map[string]int
	nextSeq      uint64
	stats        Stats

	onResult   []func(Result)
	onConflict []func(ConflictInfo)
}

// NewQueue constructs a Queue operating against repo, serialized by mu, and
// using wt to create isolated worktrees for out-of-line rebase attempts.
func NewQueue(cfg Config, repo *gitops.Repo, mu *gitops.Mutex, wt *worktree.Manager) *Queue {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 2
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Queue{
		cfg:         cfg,
		repo:        repo,
		mu:          mu,
		wt:          wt,
		inQueue:     make(map[string]struct{}),
		merged:      make(map[string]struct{}),
		retryCounts: make(map[string]int),
	}
}

// OnMergeResult registers an observer fired synchronously after each merge
// attempt.
func (q *Queue) OnMergeResult(fn func(Result)) { q.onResult = append(q.onResult, fn) }

// OnConflict registers an observer fired when a branch exhausts its
// conflict retry budget or its out-of-line rebase fails.
func (q *Queue) OnConflict(fn func(ConflictInfo)) { q.onConflict = append(q.onConflict, fn) }

// Enqueue admits a branch at the given priority. Already-merged branches are
// silently dropped; a branch already queued is not duplicated.
func (q *Queue) Enqueue(branch string, priority int) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if _, merged := q.merged[branch]; merged {
		return
	}
	if _, queued := q.inQueue[branch]; queued {
		return
	}
	e := &Entry{Branch: branch, Priority: priority, EnqueuedAt: time.Now().UTC(), sequence: q.nextSeq}
	q.nextSeq++
	q.inQueue[branch] = struct{}{}
	heap.Push(&q.heapEntries, e)
}

// IsBranchMerged reports whether branch has ever been merged.
func (q *Queue) IsBranchMerged(branch string) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	_, ok := q.merged[branch]
	return ok
}

// ResetRetryCount restores a branch's conflict retry state to zero
// regardless of its prior value.
func (q *Queue) ResetRetryCount(branch string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	delete(q.retryCounts, branch)
}

// Snapshot returns a copy of the current stats.
func (q *Queue) Snapshot() Stats {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.stats
}

// Len reports the number of entries currently queued.
func (q *Queue) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.heapEntries.Len()
}

// Run starts the background tick loop, draining the queue fully on each
// tick before pausing for cfg.TickInterval. It blocks until ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()
	for {
		q.DrainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce processes every currently queued entry once, in priority order.
func (q *Queue) DrainOnce(ctx context.Context) {
	for {
		entry, ok := q.dequeue()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		q.processOne(ctx, entry)
	}
}

func (q *Queue) dequeue() (*Entry, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	for q.heapEntries.Len() > 0 {
		e := heap.Pop(&q.heapEntries).(*Entry)
		delete(q.inQueue, e.Branch)
		if _, merged := q.merged[e.Branch]; merged {
			continue
		}
		return e, true
	}
	return nil, false
}

// processOne executes the per-merge procedure described in the spec's
// Merge Queue component: clean state, fetch, attempt the configured
// strategy (falling back once to merge-commit on a non-conflict failure),
// then branch on success, conflict, or failure.
func (q *Queue) processOne(ctx context.Context, entry *Entry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ensureCleanState(ctx)
	_ = q.repo.Fetch(ctx, entry.Branch)

	strategy := q.cfg.Strategy
	if strategy == "" {
		strategy = gitops.StrategyRebase
	}
	result, mergeErr := q.repo.MergeBranch(ctx, entry.Branch, strategy)
	if mergeErr != nil && !result.Conflict {
		q.repo.AbortMergeOrRebase(ctx)
		result, mergeErr = q.repo.MergeBranch(ctx, entry.Branch, gitops.StrategyMergeCommit)
	}

	switch {
	case mergeErr == nil && result.Succeeded:
		q.handleSuccess(ctx, entry)
	case result.Conflict:
		q.handleConflict(ctx, entry, result)
	default:
		q.repo.AbortMergeOrRebase(ctx)
		msg := ""
		if mergeErr != nil {
			msg = mergeErr.Error()
		}
		q.recordResult(Result{Branch: entry.Branch, Outcome: OutcomeFailed, Message: msg})
	}
}

func (q *Queue) ensureCleanState(ctx context.Context) {
	q.repo.AbortMergeOrRebase(ctx)
	_ = q.repo.ResetHard(ctx, "HEAD")
	_ = q.repo.CleanUntracked(ctx)
	_ = q.repo.Checkout(ctx, q.cfg.MainBranch)
}

func (q *Queue) handleSuccess(ctx context.Context, entry *Entry) {
	q.mtx.Lock()
	q.merged[entry.Branch] = struct{}{}
	q.stats.TotalMerged++
	q.mtx.Unlock()

	_ = q.repo.Push(ctx, q.cfg.MainBranch, false)
	q.repo.PushDelete(ctx, entry.Branch)
	q.recordResult(Result{Branch: entry.Branch, Outcome: OutcomeMerged})
}

func (q *Queue) handleConflict(ctx context.Context, entry *Entry, result gitops.MergeResult) {
	q.repo.AbortMergeOrRebase(ctx)

	q.mtx.Lock()
	q.retryCounts[entry.Branch]++
	retries := q.retryCounts[entry.Branch]
	q.stats.TotalConflicts++
	q.mtx.Unlock()

	if retries <= q.cfg.MaxConflictRetries {
		if q.attemptOutOfLineRebase(ctx, entry.Branch) {
			q.Enqueue(entry.Branch, 1)
			q.mtx.Lock()
			q.stats.TotalSkipped++
			q.mtx.Unlock()
			q.recordResult(Result{Branch: entry.Branch, Outcome: OutcomeSkipped, Message: "retrying after out-of-line rebase"})
			return
		}
	}

	q.mtx.Lock()
	q.stats.TotalFailed++
	q.mtx.Unlock()
	q.recordResult(Result{Branch: entry.Branch, Outcome: OutcomeConflict, Message: fmt.Sprintf("%v: %v", ErrConflict, result.ConflictingFiles)})
	for _, fn := range q.onConflict {
		fn(ConflictInfo{Branch: entry.Branch, ConflictingFiles: result.ConflictingFiles})
	}
}

// attemptOutOfLineRebase rebases branch onto the latest mainline in a
// temporary worktree and, on success, force-pushes the rewritten history
// back over the original branch so the next dequeue attempt starts clean.
func (q *Queue) attemptOutOfLineRebase(ctx context.Context, branch string) bool {
	if q.wt == nil {
		return false
	}
	tempBranch := fmt.Sprintf("%srebase-%s-%d", q.cfg.ConflictFixMarker, branch, time.Now().UTC().UnixNano())
	handle, err := q.wt.CreateTemp(ctx, "rebase", tempBranch, "origin/"+branch)
	if err != nil {
		return false
	}
	defer func() { _ = q.wt.Remove(ctx, handle) }()

	temp := gitops.NewRepo(handle.Path)
	result, err := temp.MergeBranch(ctx, q.cfg.MainBranch, gitops.StrategyRebase)
	if err != nil || result.Conflict {
		temp.AbortMergeOrRebase(ctx)
		return false
	}
	if err := temp.Push(ctx, tempBranch+":"+branch, true); err != nil {
		return false
	}
	return true
}

func (q *Queue) recordResult(r Result) {
	for _, fn := range q.onResult {
		fn(r)
	}
}

// entryHeap implements container/heap.Interface ordered by (priority asc,
// enqueuedAt asc, sequence asc).
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].sequence < h[j].sequence
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(*Entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
