package orchestrate

import (
	"context"
	"fmt"
	"time"
)

// finalize runs the explicit finalization state machine §4.7 describes for
// the run's tail: once the planner reports no pending or active work, drain
// every branch dispatched-but-never-merged back into the merge queue for
// another integration attempt, force a fresh reconciler sweep, and decide
// whether the run is done, needs another round of fix tasks, or must give
// up. The whole sequence is bounded by Finalization.MaxAttempts.
func (o *Orchestrator) finalize(ctx context.Context) error {
	if o.log != nil {
		o.log.FinalizationStart(0)
	}

	for attempt := 1; attempt <= o.opts.Finalization.MaxAttempts; attempt++ {
		o.mu.Lock()
		o.finalizationAttempts = attempt
		o.mu.Unlock()

		if o.log != nil {
			o.log.FinalizationAttempt(attempt, "drain")
		}
		unmerged := o.drainUnmergedBranches()

		if o.log != nil {
			o.log.FinalizationAttempt(attempt, "reEnqueueUnmerged")
		}
		for _, branch := range unmerged {
			o.mergeQ.ResetRetryCount(branch)
			o.mergeQ.Enqueue(branch, 1)
		}
		o.drainMergeQueue(ctx)

		if o.log != nil {
			o.log.FinalizationAttempt(attempt, "sweep")
		}
		o.mu.Lock()
		o.lastFixBatch = 0
		o.mu.Unlock()

		sweepCtx, cancel := context.WithTimeout(ctx, o.opts.Finalization.SweepTimeout)
		result, err := o.reconciler.Sweep(sweepCtx)
		cancel()
		if err != nil && o.log != nil {
			o.log.Error("finalization-sweep", err)
		}

		stillUnmerged := len(o.unmergedDispatchedBranchesLockedSafe())
		o.mu.Lock()
		fixesGenerated := o.lastFixBatch
		o.mu.Unlock()

		switch {
		case result.AllGreen && stillUnmerged == 0:
			if o.log != nil {
				o.log.FinalizationAttempt(attempt, "decide:done")
				o.log.FinalizationComplete(true, attempt)
			}
			return nil

		case fixesGenerated > 0:
			if o.log != nil {
				o.log.FinalizationAttempt(attempt, "awaitFixes")
			}
			if !o.awaitFixes(ctx) {
				if o.log != nil {
					o.log.FinalizationAttempt(attempt, "decide:giveUp")
					o.log.FinalizationComplete(false, attempt)
				}
				return fmt.Errorf("orchestrate: finalization attempt %d: injected fix tasks never completed", attempt)
			}

		case fixesGenerated == 0 && stillUnmerged == 0:
			// Not all-green, but the sweep produced no fix tasks and there's
			// nothing left to merge: whatever is failing isn't something another
			// attempt can address. Give up now instead of retrying to exhaustion.
			if o.log != nil {
				o.log.FinalizationAttempt(attempt, "decide:giveUp")
				o.log.FinalizationComplete(false, attempt)
			}
			return fmt.Errorf("orchestrate: finalization attempt %d: sweep not all-green with no fix tasks or unmerged branches remaining", attempt)

		default:
			if attempt == o.opts.Finalization.MaxAttempts {
				if o.log != nil {
					o.log.FinalizationAttempt(attempt, "decide:giveUp")
					o.log.FinalizationComplete(false, attempt)
				}
				return fmt.Errorf("orchestrate: finalization exhausted %d attempts with %d branches unmerged", attempt, stillUnmerged)
			}
			if o.log != nil {
				o.log.FinalizationAttempt(attempt, "decide:retry")
			}
		}
	}

	if o.log != nil {
		o.log.FinalizationComplete(false, o.opts.Finalization.MaxAttempts)
	}
	return fmt.Errorf("orchestrate: finalization exhausted %d attempts", o.opts.Finalization.MaxAttempts)
}

// drainUnmergedBranches returns every branch the planner ever dispatched
// that the merge queue never recorded as merged, including those preserved
// during the run for a cascading or budget-exhausted conflict.
func (o *Orchestrator) drainUnmergedBranches() []string {
	return o.unmergedDispatchedBranchesLockedSafe()
}

func (o *Orchestrator) unmergedDispatchedBranchesLockedSafe() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.unmergedDispatchedBranchesLocked()
}

// unmergedDispatchedBranchesLocked must be called with o.mu held.
func (o *Orchestrator) unmergedDispatchedBranchesLocked() []string {
	var out []string
	for _, branch := range o.planner.DispatchedBranches() {
		if o.mergeQ.IsBranchMerged(branch) {
			delete(o.preservedBranches, branch)
			continue
		}
		out = append(out, branch)
	}
	for branch := range o.preservedBranches {
		if o.mergeQ.IsBranchMerged(branch) {
			continue
		}
		out = append(out, branch)
	}
	return dedupeStrings(out)
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// drainMergeQueue runs the merge queue synchronously to completion so
// finalization can inspect its state immediately, rather than racing the
// background loop Start launched.
func (o *Orchestrator) drainMergeQueue(ctx context.Context) {
	for o.mergeQ.Len() > 0 {
		if ctx.Err() != nil {
			return
		}
		o.mergeQ.DrainOnce(ctx)
	}
}

// awaitFixes blocks until the planner has dispatched, and the merge queue
// has resolved, every branch still outstanding, or the sweep timeout
// elapses. It returns false on timeout or cancellation.
func (o *Orchestrator) awaitFixes(ctx context.Context) bool {
	deadline := time.Now().Add(o.opts.Finalization.SweepTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if len(o.unmergedDispatchedBranchesLockedSafe()) == 0 && !o.planner.IsRunning() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if time.Now().After(deadline) {
				return false
			}
		}
	}
}
