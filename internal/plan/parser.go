package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	scratchpadOpenTag  = "<scratchpad>"
	scratchpadCloseTag = "</scratchpad>"
)

// RawTask is one task entry as emitted by the language model, prior to id
// and branch assignment.
type RawTask struct {
	ID          string   `json:"id,omitempty"`
	Description string   `json:"description"`
	Acceptance  string   `json:"acceptance"`
	Scope       []string `json:"scope"`
	Priority    int      `json:"priority"`
	ParentID    string   `json:"parentId,omitempty"`
}

// ParsedResponse is one planner turn's parsed output.
type ParsedResponse struct {
	Scratchpad string
	Tasks      []RawTask
}

// ParseResponse extracts an optional scratchpad block and the JSON task
// array from a planner turn's raw text, mirroring the teacher's
// decodeJSON/ensureEOF strict-decode idiom (no trailing content after the
// JSON value).
func ParseResponse(text string) (ParsedResponse, error) {
	scratchpad, rest := extractScratchpad(text)

	jsonText := strings.TrimSpace(stripCodeFence(rest))
	if jsonText == "" {
		return ParsedResponse{Scratchpad: scratchpad}, nil
	}

	var tasks []RawTask
	if err := decodeJSON([]byte(jsonText), "planner task array", &tasks); err != nil {
		return ParsedResponse{}, err
	}
	return ParsedResponse{Scratchpad: scratchpad, Tasks: tasks}, nil
}

func extractScratchpad(text string) (scratchpad, rest string) {
	start := strings.Index(text, scratchpadOpenTag)
	if start < 0 {
		return "", text
	}
	end := strings.Index(text, scratchpadCloseTag)
	if end < 0 || end < start {
		return "", text
	}
	scratchpad = strings.TrimSpace(text[start+len(scratchpadOpenTag) : end])
	rest = text[:start] + text[end+len(scratchpadCloseTag):]
	return scratchpad, rest
}

// stripCodeFence removes a single surrounding ```json ... ``` or ``` ... ```
// fence, if present, since models commonly wrap JSON output in one.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return text
}

func decodeJSON(data []byte, label string, dest any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%s JSON is empty", label)
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("decode %s JSON: %w", label, err)
	}
	if err := ensureEOF(decoder); err != nil {
		return fmt.Errorf("decode %s JSON: %w", label, err)
	}
	return nil
}

func ensureEOF(decoder *json.Decoder) error {
	var extra any
	if err := decoder.Decode(&extra); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return errors.New("invalid trailing content after JSON value")
}
