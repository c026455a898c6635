// Package dispatch implements the Worker Dispatcher: a bounded-concurrency
// gate that turns a pending task into a handoff by invoking the external
// sandbox runner. Bounded concurrency is a hand-rolled semaphore (a buffered
// channel), not a concurrency-limiter library, per the design note that
// this primitive's observable counters belong to the dispatcher itself.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elanmora/foreman/internal/sandbox"
	"github.com/elanmora/foreman/internal/scope"
	"github.com/elanmora/foreman/internal/task"
)

// ErrDispatchTimeout is the DispatchError kind raised when a sandbox
// invocation exceeds its wall-clock budget.
var ErrDispatchTimeout = errors.New("dispatch: worker timed out")

// Config configures a Dispatcher.
type Config struct {
	MaxWorkers    int
	WorkerTimeout time.Duration
	SystemPrompt  string
	RepoURL       string
	GitToken      string
	LLM           sandbox.LLMConfig
}

// Dispatcher wraps a sandbox.Runner behind a bounded-concurrency gate.
type Dispatcher struct {
	cfg     Config
	queue   *task.Queue
	scope   *scope.Tracker
	runner  sandbox.Runner
	sem     chan struct{}
	handoffs chan sandbox.Handoff

	mu              sync.Mutex
	activeToolCalls map[string]int
	timedOut        map[string]struct{}

	onComplete []func(sandbox.Handoff)
	onFailed   []func(taskID string, err error)
	onEmpty    []func(taskID string)
	onSuspicious []func(taskID string)
}

// NewDispatcher constructs a Dispatcher. handoffBuffer sizes the channel the
// planner drains completed handoffs from.
func NewDispatcher(cfg Config, q *task.Queue, st *scope.Tracker, runner sandbox.Runner, handoffBuffer int) *Dispatcher {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	return &Dispatcher{
		cfg:             cfg,
		queue:           q,
		scope:           st,
		runner:          runner,
		sem:             make(chan struct{}, cfg.MaxWorkers),
		handoffs:        make(chan sandbox.Handoff, handoffBuffer),
		activeToolCalls: make(map[string]int),
		timedOut:        make(map[string]struct{}),
	}
}

// Handoffs returns the channel completed handoffs are pushed to, for the
// planner to drain.
func (d *Dispatcher) Handoffs() <-chan sandbox.Handoff { return d.handoffs }

// OnTaskComplete registers an observer fired with the handoff on success.
func (d *Dispatcher) OnTaskComplete(fn func(sandbox.Handoff)) { d.onComplete = append(d.onComplete, fn) }

// OnWorkerFailed registers an observer fired on dispatch failure.
func (d *Dispatcher) OnWorkerFailed(fn func(taskID string, err error)) {
	d.onFailed = append(d.onFailed, fn)
}

// OnEmptyDiff registers an observer fired exactly once per task with an
// empty handoff.
func (d *Dispatcher) OnEmptyDiff(fn func(taskID string)) { d.onEmpty = append(d.onEmpty, fn) }

// OnSuspiciousTask registers an observer fired for zero-token, zero-tool-call
// handoffs.
func (d *Dispatcher) OnSuspiciousTask(fn func(taskID string)) { d.onSuspicious = append(d.onSuspicious, fn) }

// ActiveCount returns the number of workers currently holding a semaphore
// slot.
func (d *Dispatcher) ActiveCount() int { return len(d.sem) }

// Capacity returns the configured maximum number of concurrent dispatches.
func (d *Dispatcher) Capacity() int { return cap(d.sem) }

// TotalActiveToolCalls sums the active tool-call counters across all
// in-flight tasks.
func (d *Dispatcher) TotalActiveToolCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, n := range d.activeToolCalls {
		total += n
	}
	return total
}

// DrainTimedOut returns and clears the set of branches recorded as timed
// out, for finalization retry.
func (d *Dispatcher) DrainTimedOut() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.timedOut))
	for b := range d.timedOut {
		out = append(out, b)
	}
	d.timedOut = make(map[string]struct{})
	return out
}

// Dispatch acquires a semaphore slot (blocking until capacity frees),
// executes the sandbox runner for t, and resolves the task's terminal
// state. It returns once the slot has been released in every exit path,
// along with the handoff (real or synthetic) that resulted, so a caller
// recursing through the subplanner can aggregate real metrics instead of
// reconstructing a zero-value handoff from the task's terminal status.
func (d *Dispatcher) Dispatch(ctx context.Context, t task.Task) sandbox.Handoff {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return sandbox.Handoff{TaskID: t.ID, Status: sandbox.HandoffFailed, Summary: "dispatch: context cancelled before a worker slot freed"}
	}
	defer func() { <-d.sem }()

	current, ok := d.queue.GetByID(t.ID)
	if !ok || (current.Status != task.StatusPending && current.Status != task.StatusAssigned) {
		return terminalHandoff(t.ID, current.Status)
	}

	overlaps := d.scope.Register(t.ID, t.Scope)
	_ = overlaps // discarded: neither the dispatcher nor its callers log overlaps.

	if err := d.queue.Assign(t.ID, "sandbox"); err != nil {
		return d.fail(t.ID, err)
	}
	if err := d.queue.Start(t.ID); err != nil {
		return d.fail(t.ID, err)
	}

	timeout := d.cfg.WorkerTimeout
	if timeout <= 0 {
		timeout = 1800 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	trace := &sandbox.Trace{TraceID: uuid.NewString(), ParentSpanID: uuid.NewString()}
	payload := sandbox.NewPayload(t, d.cfg.SystemPrompt, d.cfg.RepoURL, d.cfg.GitToken, d.cfg.LLM, trace)

	observe := func(line sandbox.Line) {
		if line.Kind != sandbox.LineWorker {
			return
		}
		if n, ok := parseToolCalls(line.Text); ok {
			d.mu.Lock()
			d.activeToolCalls[t.ID] = n
			d.mu.Unlock()
		}
	}

	handoff, err := func() (h sandbox.Handoff, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("dispatch: sandbox runner panicked: %v", r)
			}
		}()
		return d.runner.Run(runCtx, payload, observe)
	}()

	d.mu.Lock()
	delete(d.activeToolCalls, t.ID)
	d.mu.Unlock()
	d.scope.Release(t.ID)

	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			d.mu.Lock()
			d.timedOut[t.Branch] = struct{}{}
			d.mu.Unlock()
			return d.fail(t.ID, fmt.Errorf("%w: %v", ErrDispatchTimeout, err))
		}
		return d.fail(t.ID, err)
	}

	return d.resolve(t.ID, handoff)
}

// terminalHandoff reconstructs a handoff from a task's already-terminal
// queue status, for the case where Dispatch is asked to run a task that
// some other path has already resolved.
func terminalHandoff(id string, status task.Status) sandbox.Handoff {
	switch status {
	case task.StatusComplete:
		return sandbox.Handoff{TaskID: id, Status: sandbox.HandoffComplete}
	case task.StatusBlocked:
		return sandbox.Handoff{TaskID: id, Status: sandbox.HandoffBlocked}
	default:
		return sandbox.Handoff{TaskID: id, Status: sandbox.HandoffFailed}
	}
}

func (d *Dispatcher) resolve(taskID string, handoff sandbox.Handoff) sandbox.Handoff {
	switch handoff.Status {
	case sandbox.HandoffComplete:
		_ = d.queue.Complete(taskID)
	case sandbox.HandoffPartial:
		_ = d.queue.Complete(taskID)
	case sandbox.HandoffFailed:
		_ = d.queue.Fail(taskID)
	case sandbox.HandoffBlocked:
		_ = d.queue.Block(taskID)
	default:
		_ = d.queue.Fail(taskID)
	}

	if handoff.IsEmptyDiff() {
		for _, fn := range d.onEmpty {
			fn(taskID)
		}
	}
	if handoff.IsSuspicious() {
		for _, fn := range d.onSuspicious {
			fn(taskID)
		}
	}
	for _, fn := range d.onComplete {
		fn(handoff)
	}
	select {
	case d.handoffs <- handoff:
	default:
		// handoff channel full: the planner is behind. Block until it drains
		// one rather than drop a handoff, since every handoff must reach the
		// planner.
		d.handoffs <- handoff
	}
	return handoff
}

// fail marks taskID failed and pushes a synthetic failure handoff onto the
// handoffs channel, so the planner's auto-retry sees a DispatchError the
// same way it sees a reported HandoffFailed status.
func (d *Dispatcher) fail(taskID string, err error) sandbox.Handoff {
	_ = d.queue.Fail(taskID)
	for _, fn := range d.onFailed {
		fn(taskID, err)
	}
	handoff := sandbox.Handoff{TaskID: taskID, Status: sandbox.HandoffFailed, Summary: err.Error()}
	select {
	case d.handoffs <- handoff:
	default:
		d.handoffs <- handoff
	}
	return handoff
}

var toolCallsPattern = "Tool calls: "

// parseToolCalls extracts the integer following the documented
// "Tool calls: <n>" marker from an in-sandbox progress line.
func parseToolCalls(text string) (int, bool) {
	idx := indexOf(text, toolCallsPattern)
	if idx < 0 {
		return 0, false
	}
	rest := text[idx+len(toolCallsPattern):]
	n := 0
	found := false
	for _, c := range rest {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
		found = true
	}
	return n, found
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
