package task

import (
	"errors"
	"time"
)

// Errors returned by queue operations. Kinds, not a type hierarchy, per the
// error handling design: callers inspect with errors.Is.
var (
	ErrDuplicateID        = errors.New("task: id already present")
	ErrNotFound           = errors.New("task: id not found")
	ErrInvalidTransition  = errors.New("task: invalid state transition")
	ErrRetryBudgetExceeded = errors.New("task: retry budget exceeded")
)

// Task is a unit of work assigned to a single sandbox.
type Task struct {
	// Identity.
	ID     string
	Branch string

	// Intent.
	Description string
	Acceptance  string
	Scope       []string

	// Scheduling.
	Priority            int
	CreatedAt           time.Time
	RetryCount          int
	ParentID            string
	ConflictSourceBranch string

	// Lifecycle.
	Status   Status
	Assignee string

	// sequence disambiguates heap ties with stable insertion order; it is
	// assigned by the queue and is not part of the caller-visible identity.
	sequence uint64
}

// Clone returns a deep-enough copy safe for callers to mutate without
// touching queue-owned state. Scope is the only slice field.
func (t Task) Clone() Task {
	if t.Scope != nil {
		scope := make([]string, len(t.Scope))
		copy(scope, t.Scope)
		t.Scope = scope
	}
	return t
}

// StatusChangeEvent is delivered to observers registered on the Queue.
type StatusChangeEvent struct {
	TaskID string
	From   Status
	To     Status
	Task   Task
}

// Observer receives status-change notifications synchronously, in the
// goroutine that caused the transition. Observers must not block.
type Observer func(StatusChangeEvent)
