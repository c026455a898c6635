// Package sandbox defines the external sandbox runner contract (§6.2/§6.3):
// the payload the orchestrator hands to an ephemeral worker, and the
// Handoff record it must report. The runner itself is out of scope; this
// package only defines the shapes and a Runner interface the dispatcher
// consumes, plus a ProcessRunner that invokes a configured external
// executable.
package sandbox

import "github.com/elanmora/foreman/internal/task"

// TaskPayload is the subset of task.Task fields handed to a sandbox runner.
type TaskPayload struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Scope        []string `json:"scope"`
	Acceptance   string   `json:"acceptance"`
	Branch       string   `json:"branch"`
	Priority     int      `json:"priority"`
	ParentID     string   `json:"parentId,omitempty"`
}

// LLMConfig is the language-model endpoint configuration handed to the
// sandbox; the endpoint must already terminate in "/v1".
type LLMConfig struct {
	Endpoint    string  `json:"endpoint"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	APIKey      string  `json:"apiKey"`
}

// Trace carries distributed tracing propagation context, optional.
type Trace struct {
	TraceID      string `json:"traceId"`
	ParentSpanID string `json:"parentSpanId"`
}

// Payload is the full JSON object given to the sandbox runner, either as a
// single command-line argument or on stdin.
type Payload struct {
	Task         TaskPayload `json:"task"`
	SystemPrompt string      `json:"systemPrompt"`
	RepoURL      string      `json:"repoUrl"`
	GitToken     string      `json:"gitToken"`
	LLMConfig    LLMConfig   `json:"llmConfig"`
	Trace        *Trace      `json:"trace,omitempty"`
}

// NewPayload builds a Payload from a task.Task and the ambient run context.
func NewPayload(t task.Task, systemPrompt, repoURL, gitToken string, llm LLMConfig, trace *Trace) Payload {
	return Payload{
		Task: TaskPayload{
			ID:          t.ID,
			Description: t.Description,
			Scope:       t.Scope,
			Acceptance:  t.Acceptance,
			Branch:      t.Branch,
			Priority:    t.Priority,
			ParentID:    t.ParentID,
		},
		SystemPrompt: systemPrompt,
		RepoURL:      repoURL,
		GitToken:     gitToken,
		LLMConfig:    llm,
		Trace:        trace,
	}
}

// HandoffStatus labels the sandbox's self-reported outcome for one task.
type HandoffStatus string

const (
	HandoffComplete HandoffStatus = "complete"
	HandoffPartial  HandoffStatus = "partial"
	HandoffFailed   HandoffStatus = "failed"
	HandoffBlocked  HandoffStatus = "blocked"
)

// Metrics bundles the sandbox's reported work volume.
type Metrics struct {
	LinesAdded     int `json:"linesAdded"`
	LinesRemoved   int `json:"linesRemoved"`
	FilesCreated   int `json:"filesCreated"`
	FilesModified  int `json:"filesModified"`
	TokensUsed     int `json:"tokensUsed"`
	ToolCallCount  int `json:"toolCallCount"`
	DurationMs     int `json:"durationMs"`
}

// Handoff is the sandbox runner's immutable report for one task.
type Handoff struct {
	TaskID       string        `json:"taskId"`
	Status       HandoffStatus `json:"status"`
	Summary      string        `json:"summary"`
	Diff         string        `json:"diff"`
	FilesChanged []string      `json:"filesChanged"`
	Concerns     []string      `json:"concerns"`
	Suggestions  []string      `json:"suggestions"`
	Metrics      Metrics       `json:"metrics"`
}

// IsEmptyDiff reports whether the handoff changed no files, which fires the
// empty-diff observer exactly once per task.
func (h Handoff) IsEmptyDiff() bool {
	return len(h.FilesChanged) == 0
}

// IsSuspicious reports whether the handoff shows zero tokens and zero tool
// calls, whatever its status — fires the suspicious-task observer.
func (h Handoff) IsSuspicious() bool {
	return h.Metrics.TokensUsed == 0 && h.Metrics.ToolCallCount == 0
}
