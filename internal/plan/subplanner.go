package plan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/elanmora/foreman/internal/llm"
	"github.com/elanmora/foreman/internal/sandbox"
	"github.com/elanmora/foreman/internal/task"
)

const subplannerSystemPrompt = "You split an oversized task into smaller, scope-disjoint subtasks."

// decompose splits t into at most MaxSubtasks children via a short-lived
// model session, dispatches them concurrently, aggregates their real
// handoffs into a single synthetic handoff, and resolves t's queue state
// directly (the Worker Dispatcher never sees a decomposed parent).
func (p *Planner) decompose(ctx context.Context, parent task.Task, depth int) sandbox.Handoff {
	if err := p.queue.Assign(parent.ID, "subplanner"); err != nil {
		return sandbox.Handoff{TaskID: parent.ID, Status: sandbox.HandoffFailed, Summary: err.Error()}
	}
	if err := p.queue.Start(parent.ID); err != nil {
		return sandbox.Handoff{TaskID: parent.ID, Status: sandbox.HandoffFailed, Summary: err.Error()}
	}

	children, err := p.splitTask(ctx, parent)
	if err != nil || len(children) == 0 {
		_ = p.queue.Fail(parent.ID)
		h := sandbox.Handoff{TaskID: parent.ID, Status: sandbox.HandoffFailed, Summary: "decompose: no subtasks produced"}
		p.mu.Lock()
		p.sinceLastPlan = append(p.sinceLastPlan, h)
		p.mu.Unlock()
		return h
	}

	var wg sync.WaitGroup
	handoffs := make([]sandbox.Handoff, len(children))
	for i, child := range children {
		p.mu.Lock()
		p.depth[child.ID] = depth + 1
		p.mu.Unlock()
		if err := p.admit(child); err != nil {
			continue
		}
		wg.Add(1)
		go func(i int, c task.Task) {
			defer wg.Done()
			handoffs[i] = p.runChild(ctx, c, depth+1)
		}(i, child)
	}
	wg.Wait()

	aggregate := aggregateHandoffs(parent.ID, handoffs)
	p.resolveDecomposed(parent.ID, aggregate)
	return aggregate
}

// runChild dispatches one subtask synchronously (recursing through
// decompose again if it is itself oversized) and returns the real handoff
// it produced, so aggregateHandoffs sums actual metrics instead of
// reconstructing a zero-value handoff from terminal queue status.
func (p *Planner) runChild(ctx context.Context, c task.Task, depth int) sandbox.Handoff {
	if len(c.Scope) >= p.cfg.ScopeSizeThreshold && depth < p.cfg.MaxDepth {
		return p.decompose(ctx, c, depth)
	}
	return p.dispatcher.Dispatch(ctx, c)
}

// splitTask asks a short-lived model session to split parent into disjoint
// children filtered to the parent's own scope.
func (p *Planner) splitTask(ctx context.Context, parent task.Task) ([]task.Task, error) {
	session := llm.NewSession(p.client, subplannerSystemPrompt)
	defer session.Close()

	prompt := fmt.Sprintf(
		"Parent task %s: %s\nAcceptance: %s\nScope (do not exceed these files): %v\nSplit into at most %d subtasks. Respond with a JSON array of tasks, each with description, acceptance, scope (subset of the parent scope), priority.",
		parent.ID, parent.Description, parent.Acceptance, parent.Scope, p.cfg.MaxSubtasks,
	)
	reply, _, err := session.Prompt(ctx, prompt)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseResponse(reply)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]struct{}, len(parent.Scope))
	for _, f := range parent.Scope {
		allowed[f] = struct{}{}
	}

	var children []task.Task
	for i, raw := range parsed.Tasks {
		if i >= p.cfg.MaxSubtasks {
			break
		}
		raw.Scope = filterScope(raw.Scope, allowed)
		raw.ParentID = parent.ID
		if raw.ID == "" {
			raw.ID = fmt.Sprintf("%s-sub%02d", parent.ID, i+1)
		}
		t, err := p.toTask(raw)
		if err != nil {
			continue
		}
		t.CreatedAt = time.Now().UTC()
		children = append(children, t)
	}
	return children, nil
}

func filterScope(scope []string, allowed map[string]struct{}) []string {
	var out []string
	for _, f := range scope {
		if _, ok := allowed[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// aggregateHandoffs combines child handoffs into a single parent handoff:
// complete if all children completed, failed if all failed, blocked if all
// were blocked (or there were no children), partial otherwise; metrics are
// summed except duration, which takes the max.
func aggregateHandoffs(parentID string, handoffs []sandbox.Handoff) sandbox.Handoff {
	var (
		allComplete = true
		allFailed   = true
		metrics     sandbox.Metrics
		files       []string
		concerns    []string
	)
	for _, h := range handoffs {
		if h.Status != sandbox.HandoffComplete {
			allComplete = false
		}
		if h.Status != sandbox.HandoffFailed {
			allFailed = false
		}
		metrics.LinesAdded += h.Metrics.LinesAdded
		metrics.LinesRemoved += h.Metrics.LinesRemoved
		metrics.FilesCreated += h.Metrics.FilesCreated
		metrics.FilesModified += h.Metrics.FilesModified
		metrics.TokensUsed += h.Metrics.TokensUsed
		metrics.ToolCallCount += h.Metrics.ToolCallCount
		if h.Metrics.DurationMs > metrics.DurationMs {
			metrics.DurationMs = h.Metrics.DurationMs
		}
		files = append(files, h.FilesChanged...)
		concerns = append(concerns, h.Concerns...)
	}

	status := sandbox.HandoffPartial
	switch {
	case len(handoffs) == 0:
		status = sandbox.HandoffBlocked
	case allComplete:
		status = sandbox.HandoffComplete
	case allFailed:
		status = sandbox.HandoffFailed
	case allBlocked(handoffs):
		status = sandbox.HandoffBlocked
	}

	return sandbox.Handoff{
		TaskID:       parentID,
		Status:       status,
		Summary:      fmt.Sprintf("aggregated %d subtask handoffs", len(handoffs)),
		FilesChanged: files,
		Concerns:     concerns,
		Metrics:      metrics,
	}
}

func allBlocked(handoffs []sandbox.Handoff) bool {
	for _, h := range handoffs {
		if h.Status != sandbox.HandoffBlocked {
			return false
		}
	}
	return true
}

// resolveDecomposed applies the aggregated handoff's outcome to the parent
// task's queue state, since the aggregated handoff never passes through
// the Worker Dispatcher.
func (p *Planner) resolveDecomposed(taskID string, h sandbox.Handoff) {
	switch h.Status {
	case sandbox.HandoffComplete, sandbox.HandoffPartial:
		_ = p.queue.Complete(taskID)
	case sandbox.HandoffBlocked:
		_ = p.queue.Block(taskID)
	default:
		_ = p.queue.Fail(taskID)
	}
	p.mu.Lock()
	p.sinceLastPlan = append(p.sinceLastPlan, h)
	p.mu.Unlock()
}
