package gitops

import (
	"regexp"
	"testing"
)

func TestIsConflictOutput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		output string
		want   bool
	}{
		{"rebase conflict", "CONFLICT (content): Merge conflict in a.ts", true},
		{"could not apply", "could not apply abc123... fix stuff", true},
		{"automatic merge failed", "Automatic merge failed; fix conflicts", true},
		{"clean fast-forward", "Updating 1234..5678\nFast-forward\n a.ts | 2 +-", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isConflictOutput(tc.output); got != tc.want {
				t.Fatalf("isConflictOutput(%q) = %v, want %v", tc.output, got, tc.want)
			}
		})
	}
}

func TestConflictMarkerPatternMatchesStandardMarkers(t *testing.T) {
	t.Parallel()

	t.Run("compiles", func(t *testing.T) {
		if ConflictMarkerPattern == "" {
			t.Fatal("expected non-empty pattern")
		}
	})

	t.Run("matches", func(t *testing.T) {
		re := regexp.MustCompile(ConflictMarkerPattern)
		for _, line := range []string{"<<<<<<< HEAD", "=======", ">>>>>>> worker/task-001"} {
			if !re.MatchString(line) {
				t.Fatalf("ConflictMarkerPattern did not match %q", line)
			}
		}
		if re.MatchString("x <<<<<<< not at line start") {
			t.Fatal("ConflictMarkerPattern matched a marker that does not start the line")
		}
	})
}
