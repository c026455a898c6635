package task

import (
	"container/heap"
	"sync"
	"time"
)

// Queue is a priority min-heap of tasks ordered by (priority, createdAt,
// insertion sequence), plus a by-id index for O(1) lookup. All mutating
// operations are O(log n); GetByID and IterateByStatus are O(1) and O(n)
// respectively. The zero value is not usable; construct with NewQueue.
type Queue struct {
	mu        sync.Mutex
	heap      taskHeap
	byID      map[string]*Task
	nextSeq   uint64
	observers []Observer
	maxRetry  int
}

// NewQueue constructs an empty Queue. maxRetry bounds how many times a
// failed task may return to pending via Retry.
func NewQueue(maxRetry int) *Queue {
	return &Queue{
		byID:     make(map[string]*Task),
		maxRetry: maxRetry,
	}
}

// Subscribe registers an observer fired on every status change. Returns a
// function that unsubscribes it.
func (q *Queue) Subscribe(obs Observer) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, obs)
	idx := len(q.observers) - 1
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if idx < len(q.observers) {
			q.observers[idx] = nil
		}
	}
}

// Enqueue inserts a task with status pending. Fails if the id is already
// present, per the first-admit-wins round-trip law.
func (q *Queue) Enqueue(t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[t.ID]; exists {
		return ErrDuplicateID
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.Status = StatusPending
	t.sequence = q.nextSeq
	q.nextSeq++

	stored := t.Clone()
	q.byID[t.ID] = &stored
	heap.Push(&q.heap, &stored)
	return nil
}

// GetByID returns a snapshot of the task, if present.
func (q *Queue) GetByID(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// Assign transitions pending->assigned and records the assignee tag.
func (q *Queue) Assign(id string, assignee string) error {
	return q.transition(id, StatusAssigned, func(t *Task) {
		t.Assignee = assignee
	})
}

// Start transitions assigned->running.
func (q *Queue) Start(id string) error {
	return q.transition(id, StatusRunning, nil)
}

// Complete transitions running->complete.
func (q *Queue) Complete(id string) error {
	return q.transition(id, StatusComplete, nil)
}

// Fail transitions (assigned|running)->failed.
func (q *Queue) Fail(id string) error {
	return q.transition(id, StatusFailed, nil)
}

// Block transitions running->blocked.
func (q *Queue) Block(id string) error {
	return q.transition(id, StatusBlocked, nil)
}

// Retry transitions failed->pending, incrementing the retry counter. Fails
// with ErrRetryBudgetExceeded when the configured maximum would be exceeded,
// and re-admits the task to the heap on success.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	t, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if err := ValidateTransition(t.Status, StatusPending); err != nil {
		q.mu.Unlock()
		return err
	}
	if t.RetryCount+1 > q.maxRetry {
		q.mu.Unlock()
		return ErrRetryBudgetExceeded
	}
	from := t.Status
	t.RetryCount++
	t.Status = StatusPending
	t.sequence = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, t)
	event := StatusChangeEvent{TaskID: id, From: from, To: StatusPending, Task: t.Clone()}
	observers := q.snapshotObservers()
	q.mu.Unlock()

	notify(observers, event)
	return nil
}

// transition applies a validated state change and an optional in-place
// mutation, then fires observers outside the lock.
func (q *Queue) transition(id string, to Status, mutate func(*Task)) error {
	q.mu.Lock()
	t, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	from := t.Status
	if err := ValidateTransition(from, to); err != nil {
		q.mu.Unlock()
		return err
	}
	if mutate != nil {
		mutate(t)
	}
	t.Status = to
	event := StatusChangeEvent{TaskID: id, From: from, To: to, Task: t.Clone()}
	observers := q.snapshotObservers()
	q.mu.Unlock()

	notify(observers, event)
	return nil
}

// Dequeue removes and returns the next pending task in priority order.
// Tasks that are no longer pending (e.g. concurrently cancelled) are
// skipped. Returns false when no pending task remains.
func (q *Queue) Dequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() > 0 {
		t := heap.Pop(&q.heap).(*Task)
		if t.Status == StatusPending {
			return t.Clone(), true
		}
	}
	return Task{}, false
}

// PendingCount returns the number of tasks currently pending.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.byID {
		if t.Status == StatusPending {
			n++
		}
	}
	return n
}

// IterateByStatus returns a snapshot of all tasks with the given status.
func (q *Queue) IterateByStatus(status Status) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Task
	for _, t := range q.byID {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ActiveCount returns the number of tasks currently assigned or running,
// the quantity bounded by maxWorkers per the concurrency invariant.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.byID {
		if t.Status == StatusAssigned || t.Status == StatusRunning {
			n++
		}
	}
	return n
}

func (q *Queue) snapshotObservers() []Observer {
	out := make([]Observer, 0, len(q.observers))
	for _, obs := range q.observers {
		if obs != nil {
			out = append(out, obs)
		}
	}
	return out
}

func notify(observers []Observer, event StatusChangeEvent) {
	for _, obs := range observers {
		obs(event)
	}
}

// taskHeap implements container/heap.Interface over *Task, ordered by
// (priority asc, createdAt asc, sequence asc).
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].sequence < h[j].sequence
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
