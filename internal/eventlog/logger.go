// Package eventlog implements the structured event log §6.4 calls the
// external contract for dashboards and replays: one JSON object per line,
// newline-separated, at a caller-chosen path.
package eventlog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Logger is a mutex-protected façade over a slog.Logger writing JSON lines,
// exposing named convenience methods per event kind, mirroring the
// teacher's audit.Logger (injectable now func() time.Time, a single
// generic Log method underneath named Log* wrappers) but JSON-encoded per
// the control surface's persisted-state contract.
type Logger struct {
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger constructs a Logger writing newline-delimited JSON objects to w.
func NewLogger(w io.Writer, now func() time.Time) (*Logger, error) {
	if w == nil {
		return nil, errors.New("eventlog: writer is required")
	}
	if now == nil {
		now = time.Now
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		// ts is injected explicitly on every call for deterministic tests;
		// the handler's own time attribute would duplicate it.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	return &Logger{logger: slog.New(handler), now: now}, nil
}

// Log writes one event line: kind plus an arbitrary set of key/value
// fields, in slog's alternating-argument form.
func (l *Logger) Log(kind string, fields ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	args := append([]any{"ts", l.now().UTC().Format(time.RFC3339Nano)}, fields...)
	l.logger.Log(context.Background(), slog.LevelInfo, kind, args...)
}

func (l *Logger) TaskCreated(taskID, branch string) {
	l.Log("task-created", "taskId", taskID, "branch", branch)
}

func (l *Logger) TaskStatusChanged(taskID, from, to string) {
	l.Log("task-status-change", "taskId", taskID, "from", from, "to", to)
}

func (l *Logger) TaskCompleted(taskID, status string) {
	l.Log("task-completed", "taskId", taskID, "status", status)
}

func (l *Logger) IterationComplete(iteration int) {
	l.Log("iteration-complete", "iteration", iteration)
}

func (l *Logger) SweepComplete(allGreen bool, conflictMarkers, greenStreak int) {
	l.Log("sweep-complete", "allGreen", allGreen, "conflictMarkers", conflictMarkers, "greenStreak", greenStreak)
}

func (l *Logger) WorkerTimeout(taskID, branch string) {
	l.Log("worker-timeout", "taskId", taskID, "branch", branch)
}

func (l *Logger) EmptyDiff(taskID string) {
	l.Log("empty-diff", "taskId", taskID)
}

func (l *Logger) MetricsUpdate(fields ...any) {
	l.Log("metrics-update", fields...)
}

func (l *Logger) FinalizationStart(attempt int) {
	l.Log("finalization-start", "attempt", attempt)
}

func (l *Logger) FinalizationAttempt(attempt int, state string) {
	l.Log("finalization-attempt", "attempt", attempt, "state", state)
}

func (l *Logger) FinalizationComplete(passed bool, attempts int) {
	l.Log("finalization-complete", "passed", passed, "attempts", attempts)
}

func (l *Logger) Error(context string, err error) {
	l.Log("error", "context", context, "error", err.Error())
}
