// Package plan implements the Planner: a long-running conversational loop
// with the language model that turns repository state and task handoffs
// into new tasks, dispatches them, and decomposes oversized tasks via a
// recursive subplanner.
package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/elanmora/foreman/internal/dispatch"
	"github.com/elanmora/foreman/internal/llm"
	"github.com/elanmora/foreman/internal/mergequeue"
	"github.com/elanmora/foreman/internal/reconcile"
	"github.com/elanmora/foreman/internal/sandbox"
	"github.com/elanmora/foreman/internal/scope"
	"github.com/elanmora/foreman/internal/slug"
	"github.com/elanmora/foreman/internal/task"
)

// ErrPlannerAborted is returned by Run once MaxConsecutiveErrors planning
// turns in a row have failed.
var ErrPlannerAborted = errors.New("plan: aborted after too many consecutive planning failures")

// Config configures a Planner.
type Config struct {
	BranchPrefix          string
	MinHandoffsForReplan  int
	MaxConsecutiveErrors  int
	MaxTaskRetries        int
	ScopeSizeThreshold    int
	MaxSubtasks           int
	MaxDepth              int
	LoopPause             time.Duration
}

// Planner drives the conversational planning loop.
type Planner struct {
	cfg        Config
	session    *llm.Session
	client     llm.Client
	repoReader RepoReader
	queue      *task.Queue
	scope      *scope.Tracker
	dispatcher *dispatch.Dispatcher
	mergeQ     *mergequeue.Queue

	mu               sync.Mutex
	dispatched       map[string]struct{}
	dispatchedBranches map[string]struct{}
	depth            map[string]int
	lastState        RepoState
	lastSweep        *reconcile.SweepResult
	sinceLastPlan    []sandbox.Handoff
	iteration        int
	consecutiveErrs  int
	branchSeq        int
	injected         []task.Task
	running          bool

	onTaskCreated     []func(task.Task)
	onIterationComplete []func(int)
	onError           []func(error)

	wg sync.WaitGroup
}

// NewPlanner constructs a Planner.
func NewPlanner(cfg Config, session *llm.Session, client llm.Client, repoReader RepoReader, q *task.Queue, st *scope.Tracker, d *dispatch.Dispatcher, mergeQ *mergequeue.Queue) *Planner {
	if cfg.MinHandoffsForReplan <= 0 {
		cfg.MinHandoffsForReplan = 3
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}
	if cfg.MaxTaskRetries <= 0 {
		cfg.MaxTaskRetries = 2
	}
	if cfg.ScopeSizeThreshold <= 0 {
		cfg.ScopeSizeThreshold = 8
	}
	if cfg.MaxSubtasks <= 0 {
		cfg.MaxSubtasks = 4
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "worker/"
	}
	if cfg.LoopPause <= 0 {
		cfg.LoopPause = 500 * time.Millisecond
	}
	return &Planner{
		cfg:        cfg,
		session:    session,
		client:     client,
		repoReader: repoReader,
		queue:      q,
		scope:      st,
		dispatcher: d,
		mergeQ:     mergeQ,
		dispatched:         make(map[string]struct{}),
		dispatchedBranches: make(map[string]struct{}),
		depth:              make(map[string]int),
	}
}

// DispatchedBranches returns a snapshot of every branch name ever admitted,
// the shared set the orchestrator reads during finalization to find
// dispatched work that never made it into the merge queue as merged.
func (p *Planner) DispatchedBranches() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.dispatchedBranches))
	for b := range p.dispatchedBranches {
		out = append(out, b)
	}
	return out
}

// OnTaskCreated registers an observer fired when a task is admitted to the
// queue (model-emitted or injected).
func (p *Planner) OnTaskCreated(fn func(task.Task)) { p.onTaskCreated = append(p.onTaskCreated, fn) }

// OnIterationComplete registers an observer fired after every planning
// iteration with the iteration number.
func (p *Planner) OnIterationComplete(fn func(int)) {
	p.onIterationComplete = append(p.onIterationComplete, fn)
}

// OnError registers an observer fired on every planning-turn failure.
func (p *Planner) OnError(fn func(error)) { p.onError = append(p.onError, fn) }

// InjectTask allows external code (the orchestrator, the reconciler-sweep
// handler) to push a task directly into the dispatch pipeline, bypassing
// the model.
func (p *Planner) InjectTask(t task.Task) {
	p.mu.Lock()
	p.injected = append(p.injected, t)
	p.mu.Unlock()
}

// PushSweepResult records the reconciler's latest sweep result for
// inclusion in the next prompt.
func (p *Planner) PushSweepResult(r reconcile.SweepResult) {
	p.mu.Lock()
	p.lastSweep = &r
	p.mu.Unlock()
}

// IsRunning reports whether the planning loop is currently executing.
func (p *Planner) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Run drives the planning loop until the build request is satisfied, ctx is
// cancelled, or the consecutive-error budget is exhausted.
func (p *Planner) Run(ctx context.Context, request string) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	backoff := 2 * time.Second
	const backoffCap = 30 * time.Second

	for {
		if ctx.Err() != nil {
			p.wg.Wait()
			return nil
		}

		p.drainHandoffs()
		p.dispatchInjected(ctx)

		if p.shouldReplan() {
			if err := p.runTurn(ctx, request); err != nil {
				p.mu.Lock()
				p.consecutiveErrs++
				errs := p.consecutiveErrs
				p.mu.Unlock()
				for _, fn := range p.onError {
					fn(err)
				}
				if errs >= p.cfg.MaxConsecutiveErrors {
					p.wg.Wait()
					return ErrPlannerAborted
				}
				select {
				case <-ctx.Done():
					p.wg.Wait()
					return nil
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > backoffCap {
					backoff = backoffCap
				}
				continue
			}
			backoff = 2 * time.Second
			p.mu.Lock()
			p.consecutiveErrs = 0
			p.iteration++
			iteration := p.iteration
			p.mu.Unlock()
			for _, fn := range p.onIterationComplete {
				fn(iteration)
			}
		}

		if p.isDone() {
			p.wg.Wait()
			return nil
		}

		select {
		case <-ctx.Done():
			p.wg.Wait()
			return nil
		case <-time.After(p.cfg.LoopPause):
		}
	}
}

// shouldReplan implements step 2 of §4.6: a plan is triggered when there is
// dispatch capacity AND (iteration zero OR enough handoffs accumulated OR no
// active work).
func (p *Planner) shouldReplan() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dispatcher.ActiveCount() >= p.dispatcher.Capacity() {
		return false
	}
	if p.iteration == 0 {
		return true
	}
	if len(p.sinceLastPlan) >= p.cfg.MinHandoffsForReplan {
		return true
	}
	return p.queue.ActiveCount() == 0 && p.queue.PendingCount() == 0
}

func (p *Planner) isDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.PendingCount() == 0 && p.queue.ActiveCount() == 0 && len(p.injected) == 0
}

func (p *Planner) drainHandoffs() {
	for {
		select {
		case h, ok := <-p.dispatcher.Handoffs():
			if !ok {
				return
			}
			p.mu.Lock()
			p.sinceLastPlan = append(p.sinceLastPlan, h)
			p.mu.Unlock()
			p.autoRetry(h)
		default:
			return
		}
	}
}

// autoRetry implements §4.6's auto-retry: a terminal failed/blocked handoff
// under the retry budget returns to pending and is redispatched.
func (p *Planner) autoRetry(h sandbox.Handoff) {
	if h.Status != sandbox.HandoffFailed && h.Status != sandbox.HandoffBlocked {
		return
	}
	t, ok := p.queue.GetByID(h.TaskID)
	if !ok {
		return
	}
	if t.RetryCount >= p.cfg.MaxTaskRetries {
		return
	}
	if err := p.queue.Retry(h.TaskID); err != nil {
		return
	}
	refreshed, ok := p.queue.GetByID(h.TaskID)
	if !ok {
		return
	}
	p.dispatchTask(context.Background(), refreshed)
}

func (p *Planner) dispatchInjected(ctx context.Context) {
	p.mu.Lock()
	pending := p.injected
	p.injected = nil
	p.mu.Unlock()

	for _, t := range pending {
		if err := p.admit(t); err != nil {
			continue
		}
		p.dispatchTask(ctx, t)
	}
}

// runTurn executes one planning turn: build the prompt, call the model,
// parse the response, admit and dispatch new tasks.
func (p *Planner) runTurn(ctx context.Context, request string) error {
	state, err := p.repoReader.ReadState(ctx)
	if err != nil {
		return fmt.Errorf("plan: read repo state: %w", err)
	}

	p.mu.Lock()
	iteration := p.iteration
	var prompt string
	if iteration == 0 {
		prompt = BuildInitialPrompt(request, state)
	} else {
		var mergeStats mergequeue.Stats
		if p.mergeQ != nil {
			mergeStats = p.mergeQ.Snapshot()
		}
		prompt = BuildDeltaPrompt(p.lastState, state, p.sinceLastPlan, p.activeTaskIDsLocked(), mergeStats, p.scope.LockedFiles(), p.lastSweep)
	}
	p.lastState = state
	handoffBatch := p.sinceLastPlan
	p.sinceLastPlan = nil
	p.mu.Unlock()
	_ = handoffBatch

	reply, _, err := p.session.Prompt(ctx, prompt)
	if err != nil {
		return fmt.Errorf("plan: model call: %w", err)
	}

	parsed, err := ParseResponse(reply)
	if err != nil {
		return fmt.Errorf("plan: parse response: %w", err)
	}

	for _, raw := range parsed.Tasks {
		t, err := p.toTask(raw)
		if err != nil {
			continue
		}
		if err := p.admit(t); err != nil {
			continue
		}
		p.dispatchTask(ctx, t)
	}
	return nil
}

func (p *Planner) activeTaskIDsLocked() []string {
	var ids []string
	for _, t := range p.queue.IterateByStatus(task.StatusAssigned) {
		ids = append(ids, t.ID)
	}
	for _, t := range p.queue.IterateByStatus(task.StatusRunning) {
		ids = append(ids, t.ID)
	}
	return ids
}

func (p *Planner) toTask(raw RawTask) (task.Task, error) {
	p.mu.Lock()
	if raw.ID == "" {
		p.branchSeq++
		raw.ID = fmt.Sprintf("task-%03d", p.branchSeq)
	}
	p.mu.Unlock()

	branch := p.cfg.BranchPrefix + raw.ID + "-" + truncateSlug(slug.Slugify(raw.Description), 50)
	return task.Task{
		ID:          raw.ID,
		Branch:      branch,
		Description: raw.Description,
		Acceptance:  raw.Acceptance,
		Scope:       raw.Scope,
		Priority:    raw.Priority,
		ParentID:    raw.ParentID,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func truncateSlug(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// admit drops duplicates against the dispatched-task-id set and enqueues
// the task otherwise.
func (p *Planner) admit(t task.Task) error {
	p.mu.Lock()
	if _, dup := p.dispatched[t.ID]; dup {
		p.mu.Unlock()
		return errors.New("plan: duplicate task id")
	}
	p.dispatched[t.ID] = struct{}{}
	p.dispatchedBranches[t.Branch] = struct{}{}
	p.mu.Unlock()

	if err := p.queue.Enqueue(t); err != nil {
		return err
	}
	for _, fn := range p.onTaskCreated {
		fn(t)
	}
	return nil
}

// dispatchTask routes t through the recursive subplanner when its scope
// reaches the configured threshold and recursion depth allows, otherwise
// hands it directly to the Worker Dispatcher. Either path runs
// asynchronously; Run's final drain waits for every in-flight dispatch.
func (p *Planner) dispatchTask(ctx context.Context, t task.Task) {
	p.mu.Lock()
	depth := p.depth[t.ID]
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if len(t.Scope) >= p.cfg.ScopeSizeThreshold && depth < p.cfg.MaxDepth {
			p.decompose(ctx, t, depth)
			return
		}
		p.dispatcher.Dispatch(ctx, t)
	}()
}
