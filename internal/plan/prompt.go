package plan

import (
	"fmt"
	"strings"

	"github.com/elanmora/foreman/internal/mergequeue"
	"github.com/elanmora/foreman/internal/reconcile"
	"github.com/elanmora/foreman/internal/sandbox"
)

const (
	maxSummaryLen = 400
	maxFilesLen   = 20
)

// BuildInitialPrompt constructs the first planner turn: the full request
// plus the full repository state.
func BuildInitialPrompt(request string, state RepoState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Build request:\n%s\n\n", request)
	writeRepoState(&b, state)
	b.WriteString("\nRespond with an optional <scratchpad>...</scratchpad> block followed by a JSON array of tasks.\n")
	return b.String()
}

// BuildDeltaPrompt constructs a subsequent planner turn: only what changed
// since the last plan, bounded handoff summaries, and the current
// system snapshot.
func BuildDeltaPrompt(prev, cur RepoState, handoffs []sandbox.Handoff, activeTaskIDs []string, mergeStats mergequeue.Stats, lockedFiles []string, lastSweep *reconcile.SweepResult) string {
	var b strings.Builder

	added, removed := diffFiles(prev.Files, cur.Files)
	if len(added) > 0 {
		fmt.Fprintf(&b, "Files added:\n%s\n", strings.Join(added, "\n"))
	}
	if len(removed) > 0 {
		fmt.Fprintf(&b, "Files removed:\n%s\n", strings.Join(removed, "\n"))
	}
	for name, content := range cur.Docs {
		if prev.Docs[name] != content {
			fmt.Fprintf(&b, "Document %s changed:\n%s\n", name, truncate(content, 2000))
		}
	}

	if len(handoffs) > 0 {
		b.WriteString("\nHandoffs since last plan:\n")
		for _, h := range handoffs {
			fmt.Fprintf(&b, "- %s [%s]: %s (files: %s)\n", h.TaskID, h.Status, truncate(h.Summary, maxSummaryLen), truncate(strings.Join(h.FilesChanged, ", "), maxFilesLen*8))
		}
	}

	fmt.Fprintf(&b, "\nActive task ids: %s\n", strings.Join(activeTaskIDs, ", "))
	fmt.Fprintf(&b, "Merge queue health: merged=%d skipped=%d failed=%d conflicts=%d\n",
		mergeStats.TotalMerged, mergeStats.TotalSkipped, mergeStats.TotalFailed, mergeStats.TotalConflicts)
	if len(lockedFiles) > 0 {
		fmt.Fprintf(&b, "Currently locked files: %s\n", strings.Join(lockedFiles, ", "))
	}
	if lastSweep != nil {
		fmt.Fprintf(&b, "Latest sweep: allGreen=%t conflictMarkers=%d\n", lastSweep.AllGreen, len(lastSweep.ConflictMarkers))
	}

	b.WriteString("\nContinue planning. Rewrite the scratchpad from scratch rather than appending to it. Respond with an optional <scratchpad>...</scratchpad> block followed by a JSON array of any new tasks (empty array if none).\n")
	return b.String()
}

func writeRepoState(b *strings.Builder, state RepoState) {
	fmt.Fprintf(b, "Repository file tree (%d files):\n%s\n", len(state.Files), strings.Join(state.Files, "\n"))
	if len(state.Commits) > 0 {
		fmt.Fprintf(b, "\nRecent commits:\n%s\n", strings.Join(state.Commits, "\n"))
	}
	for name, content := range state.Docs {
		fmt.Fprintf(b, "\n%s:\n%s\n", name, truncate(content, 4000))
	}
}

func diffFiles(prev, cur []string) (added, removed []string) {
	prevSet := make(map[string]struct{}, len(prev))
	for _, f := range prev {
		prevSet[f] = struct{}{}
	}
	curSet := make(map[string]struct{}, len(cur))
	for _, f := range cur {
		curSet[f] = struct{}{}
	}
	for f := range curSet {
		if _, ok := prevSet[f]; !ok {
			added = append(added, f)
		}
	}
	for f := range prevSet {
		if _, ok := curSet[f]; !ok {
			removed = append(removed, f)
		}
	}
	return added, removed
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
