package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/elanmora/foreman/internal/llm"
	"github.com/elanmora/foreman/internal/reconcile"
)

const reconcilerSystemPrompt = "You diagnose failed build/test checks against a repository and propose the smallest set of fix tasks to resolve them."

// llmFixGenerator adapts a long-lived llm.Session to reconcile.FixTaskGenerator,
// asking the model to turn a failed sweep's check output into a bounded set
// of fix-task proposals.
type llmFixGenerator struct {
	session *llm.Session
}

func newLLMFixGenerator(client llm.Client) *llmFixGenerator {
	return &llmFixGenerator{session: llm.NewSession(client, reconcilerSystemPrompt)}
}

func (g *llmFixGenerator) GenerateFixes(ctx context.Context, result reconcile.SweepResult, budget int) ([]reconcile.FixTaskSpec, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "A reconciliation sweep failed. Propose at most %d fix tasks as a JSON array of objects with description, scope (file paths), acceptance.\n\n", budget)
	if len(result.ConflictMarkers) > 0 {
		fmt.Fprintf(&sb, "Unresolved conflict markers:\n%s\n\n", strings.Join(result.ConflictMarkers, "\n"))
	}
	for _, outcome := range result.Results {
		if outcome.Passed {
			continue
		}
		fmt.Fprintf(&sb, "Check %q failed:\n%s\n\n", outcome.Name, outcome.Output)
	}

	reply, _, err := g.session.Prompt(ctx, sb.String())
	if err != nil {
		return nil, fmt.Errorf("orchestrate: reconciler fix generation: %w", err)
	}
	return parseFixSpecs(reply)
}

// fixSpecWire mirrors reconcile.FixTaskSpec's exported fields for JSON
// decoding without exposing json tags on the reconcile package's own type.
type fixSpecWire struct {
	Description string   `json:"description"`
	Scope       []string `json:"scope"`
	Acceptance  string   `json:"acceptance"`
}

func parseFixSpecs(text string) ([]reconcile.FixTaskSpec, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var wire []fixSpecWire
	dec := json.NewDecoder(strings.NewReader(text))
	if err := dec.Decode(&wire); err != nil {
		return nil, fmt.Errorf("orchestrate: decode fix specs: %w", err)
	}
	if err := ensureEOF(dec); err != nil {
		return nil, err
	}

	specs := make([]reconcile.FixTaskSpec, 0, len(wire))
	for _, w := range wire {
		specs = append(specs, reconcile.FixTaskSpec{Description: w.Description, Scope: w.Scope, Acceptance: w.Acceptance})
	}
	return specs, nil
}

func ensureEOF(dec *json.Decoder) error {
	var extra any
	if err := dec.Decode(&extra); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return errors.New("orchestrate: unexpected trailing content after JSON array")
}
