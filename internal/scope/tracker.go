// Package scope tracks which files are claimed by in-flight tasks and
// detects overlapping claims. It does not block or arbitrate: overlap is
// returned to the caller, never fatal, per the spec's scope-tracking design.
package scope

import "sync"

// Overlap records that taskID wants a file already claimed by owners.
type Overlap struct {
	File   string
	Owners []string
}

// Tracker maintains a bidirectional view of task -> files and file -> tasks.
type Tracker struct {
	mu         sync.Mutex
	byTask     map[string]map[string]struct{}
	byFile     map[string]map[string]struct{}
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byTask: make(map[string]map[string]struct{}),
		byFile: make(map[string]map[string]struct{}),
	}
}

// Register associates files with taskID, returning any overlaps against
// other active tasks' claims (for logging; registration proceeds either
// way).
func (t *Tracker) Register(taskID string, files []string) []Overlap {
	t.mu.Lock()
	defer t.mu.Unlock()

	overlaps := t.overlapsForLocked(taskID, files)

	claims, ok := t.byTask[taskID]
	if !ok {
		claims = make(map[string]struct{})
		t.byTask[taskID] = claims
	}
	for _, f := range files {
		claims[f] = struct{}{}
		owners, ok := t.byFile[f]
		if !ok {
			owners = make(map[string]struct{})
			t.byFile[f] = owners
		}
		owners[taskID] = struct{}{}
	}
	return overlaps
}

// OverlapsFor reports overlapping claims against other active tasks without
// registering anything, used for pre-dispatch warnings.
func (t *Tracker) OverlapsFor(taskID string, files []string) []Overlap {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overlapsForLocked(taskID, files)
}

func (t *Tracker) overlapsForLocked(taskID string, files []string) []Overlap {
	var overlaps []Overlap
	for _, f := range files {
		owners, ok := t.byFile[f]
		if !ok || len(owners) == 0 {
			continue
		}
		var others []string
		for owner := range owners {
			if owner != taskID {
				others = append(others, owner)
			}
		}
		if len(others) > 0 {
			overlaps = append(overlaps, Overlap{File: f, Owners: others})
		}
	}
	return overlaps
}

// Release removes all claims held by taskID. After Release returns, no file
// is reported owned by taskID.
func (t *Tracker) Release(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	claims, ok := t.byTask[taskID]
	if !ok {
		return
	}
	for f := range claims {
		owners := t.byFile[f]
		delete(owners, taskID)
		if len(owners) == 0 {
			delete(t.byFile, f)
		}
	}
	delete(t.byTask, taskID)
}

// LockedFiles returns a snapshot of every currently claimed file path, used
// by the planner to steer future tasks away from active work.
func (t *Tracker) LockedFiles() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byFile))
	for f := range t.byFile {
		out = append(out, f)
	}
	return out
}

// OwnedBy returns a snapshot of the files currently claimed by taskID.
func (t *Tracker) OwnedBy(taskID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	claims, ok := t.byTask[taskID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(claims))
	for f := range claims {
		out = append(out, f)
	}
	return out
}
