package scope

import "testing"

func TestRegisterDetectsOverlap(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	if overlaps := tr.Register("task-a", []string{"a.ts", "shared.ts"}); len(overlaps) != 0 {
		t.Fatalf("first registration reported overlaps: %v", overlaps)
	}
	overlaps := tr.Register("task-b", []string{"shared.ts", "b.ts"})
	if len(overlaps) != 1 {
		t.Fatalf("overlaps = %d, want 1", len(overlaps))
	}
	if overlaps[0].File != "shared.ts" {
		t.Fatalf("overlap file = %s, want shared.ts", overlaps[0].File)
	}
	if len(overlaps[0].Owners) != 1 || overlaps[0].Owners[0] != "task-a" {
		t.Fatalf("overlap owners = %v, want [task-a]", overlaps[0].Owners)
	}
}

func TestOverlapsForDoesNotRegister(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Register("task-a", []string{"a.ts"})
	overlaps := tr.OverlapsFor("task-b", []string{"a.ts"})
	if len(overlaps) != 1 {
		t.Fatalf("overlaps = %d, want 1", len(overlaps))
	}
	if owned := tr.OwnedBy("task-b"); len(owned) != 0 {
		t.Fatalf("OverlapsFor registered claims: %v", owned)
	}
}

func TestReleaseClearsOwnership(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	tr.Register("task-a", []string{"a.ts", "b.ts"})
	tr.Register("task-b", []string{"b.ts"})

	tr.Release("task-a")

	if owned := tr.OwnedBy("task-a"); len(owned) != 0 {
		t.Fatalf("task-a still owns files after release: %v", owned)
	}
	locked := tr.LockedFiles()
	if len(locked) != 1 || locked[0] != "b.ts" {
		t.Fatalf("locked files = %v, want [b.ts]", locked)
	}
}
