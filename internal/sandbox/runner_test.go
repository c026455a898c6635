package sandbox

import (
	"errors"
	"strings"
	"testing"
)

func TestParseHandoffRejectsTrailingContent(t *testing.T) {
	t.Parallel()

	line := `{"taskId":"t1","status":"complete","summary":"","diff":"","filesChanged":[],"concerns":[],"suggestions":[],"metrics":{"linesAdded":0,"linesRemoved":0,"filesCreated":0,"filesModified":0,"tokensUsed":0,"toolCallCount":0,"durationMs":0}} trailing`
	if _, err := ParseHandoff(line); err == nil {
		t.Fatal("expected error for trailing content")
	}
}

func TestParseHandoffRequiresTaskID(t *testing.T) {
	t.Parallel()

	line := `{"status":"complete"}`
	if _, err := ParseHandoff(line); err == nil {
		t.Fatal("expected error for missing taskId")
	}
}

func TestParseHandoffRoundTrip(t *testing.T) {
	t.Parallel()

	line := `{"taskId":"t1","status":"complete","summary":"did it","diff":"","filesChanged":["a.ts"],"concerns":[],"suggestions":[],"metrics":{"linesAdded":1,"linesRemoved":0,"filesCreated":0,"filesModified":1,"tokensUsed":100,"toolCallCount":3,"durationMs":500}}`
	h, err := ParseHandoff(line)
	if err != nil {
		t.Fatalf("ParseHandoff: %v", err)
	}
	if h.TaskID != "t1" || h.Status != HandoffComplete {
		t.Fatalf("unexpected handoff: %+v", h)
	}
	if h.IsEmptyDiff() {
		t.Fatal("expected non-empty diff")
	}
	if h.IsSuspicious() {
		t.Fatal("expected non-suspicious handoff")
	}
}

func TestClassifyRecognizesInterimMarkers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		text string
		kind LineKind
	}{
		{"spawn", "[spawn] sandbox created for task t1", LineSpawn},
		{"worker", "[worker:t1] Tool calls: 3", LineWorker},
		{"raw", "plain progress line", LineRaw},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.text, "t1")
			if got.Kind != tc.kind {
				t.Fatalf("classify(%q).Kind = %v, want %v", tc.text, got.Kind, tc.kind)
			}
		})
	}
}

func TestStreamLinesRetainsOnlyLastLine(t *testing.T) {
	t.Parallel()

	input := "[spawn] starting\n[worker:t1] Tool calls: 1\n{\"taskId\":\"t1\"}\n"
	var forwarded []string
	last, err := streamLines(strings.NewReader(input), "t1", func(l Line) {
		forwarded = append(forwarded, l.Text)
	})
	if err != nil {
		t.Fatalf("streamLines: %v", err)
	}
	if last != `{"taskId":"t1"}` {
		t.Fatalf("last = %q, want handoff line", last)
	}
	if len(forwarded) != 2 {
		t.Fatalf("forwarded %d interior lines, want 2: %v", len(forwarded), forwarded)
	}
}

func TestParseHandoffInvalidJSONIsNoHandoffClass(t *testing.T) {
	t.Parallel()

	_, err := ParseHandoff("not json")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrNoHandoff) {
		t.Fatal("ParseHandoff itself should not wrap ErrNoHandoff; callers wrap it")
	}
}
