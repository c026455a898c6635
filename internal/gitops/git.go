// Package gitops wraps the git command-line plumbing the orchestrator needs:
// clone, fetch, checkout, three merge strategies, rebase, push (including
// delete), ls-files, log, diff --shortstat, status --porcelain, and grep for
// conflict markers. Every mutating operation takes a *Mutex, the
// process-wide git lock shared across the merge queue, the reconciler, and
// finalization (read-only operations do not take it).
package gitops

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Mutex is a single binary lock guarding all git-mutating operations across
// the merge queue, reconciler cleanup, and finalization. Read operations
// never acquire it.
type Mutex struct {
	mu sync.Mutex
}

// NewMutex constructs an unlocked Mutex.
func NewMutex() *Mutex { return &Mutex{} }

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() { m.mu.Lock() }

// Unlock releases the mutex.
func (m *Mutex) Unlock() { m.mu.Unlock() }

// Strategy names a merge strategy for MergeBranch.
type Strategy string

const (
	StrategyFastForward Strategy = "fast-forward"
	StrategyRebase      Strategy = "rebase"
	StrategyMergeCommit Strategy = "merge-commit"
)

// Repo is a thin wrapper over a single working copy's git command-line
// interface. It does not itself hold the process-wide mutex: callers acquire
// Mutex around the sequence of calls that must be atomic.
type Repo struct {
	Path string
}

// NewRepo constructs a Repo rooted at path.
func NewRepo(path string) *Repo { return &Repo{Path: path} }

// run executes git with args in the repo's working directory, returning
// combined stdout+stderr and a wrapped error on non-zero exit.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Clone clones repoURL into the repo's path.
func (r *Repo) Clone(ctx context.Context, repoURL string) error {
	_, err := r.run(ctx, "clone", repoURL, r.Path)
	return err
}

// Fetch performs a best-effort fetch of a branch from the remote. Failures
// are returned to the caller, who treats them as SubprocessCleanupFailure
// class (best-effort, never fatal) at the call site.
func (r *Repo) Fetch(ctx context.Context, branch string) error {
	_, err := r.run(ctx, "fetch", "origin", branch)
	return err
}

// Checkout checks out an existing local or remote-tracking ref.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "checkout", ref)
	return err
}

// CheckoutNewBranch creates and checks out a new branch from base.
func (r *Repo) CheckoutNewBranch(ctx context.Context, branch, base string) error {
	_, err := r.run(ctx, "checkout", "-b", branch, base)
	return err
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.run(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// AbortMergeOrRebase best-effort aborts any in-progress merge or rebase.
func (r *Repo) AbortMergeOrRebase(ctx context.Context) {
	_, _ = r.run(ctx, "merge", "--abort")
	_, _ = r.run(ctx, "rebase", "--abort")
}

// ResetHard hard-resets the working copy to ref.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "reset", "--hard", ref)
	return err
}

// CleanUntracked removes untracked files and directories.
func (r *Repo) CleanUntracked(ctx context.Context) error {
	_, err := r.run(ctx, "clean", "-fd")
	return err
}

// DeleteLocalBranch best-effort force-deletes a local branch.
func (r *Repo) DeleteLocalBranch(ctx context.Context, branch string) {
	_, _ = r.run(ctx, "branch", "-D", branch)
}

// MergeResult describes the outcome of MergeBranch.
type MergeResult struct {
	Succeeded        bool
	Conflict         bool
	ConflictingFiles []string
	Output           string
}

// MergeBranch attempts to integrate branch into the checked-out ref using
// strategy, against origin/<branch>. Fast-forward runs `git merge
// --ff-only`, merge-commit runs `git merge --no-ff`, and rebase runs `git
// rebase origin/<branch>`, replaying the checked-out ref's own commits on
// top of origin/<branch>. Falling back to another strategy is left to the
// caller: MergeBranch itself only executes the named git verb and reports
// conflict state from porcelain status.
func (r *Repo) MergeBranch(ctx context.Context, branch string, strategy Strategy) (MergeResult, error) {
	ref := "origin/" + branch
	var out string
	var err error
	switch strategy {
	case StrategyFastForward:
		out, err = r.run(ctx, "merge", "--ff-only", ref)
	case StrategyRebase:
		out, err = r.run(ctx, "rebase", ref)
	case StrategyMergeCommit:
		out, err = r.run(ctx, "merge", "--no-ff", "-m", "merge "+branch, ref)
	default:
		return MergeResult{}, fmt.Errorf("gitops: unknown merge strategy %q", strategy)
	}
	if err == nil {
		return MergeResult{Succeeded: true, Output: out}, nil
	}
	if isConflictOutput(out) {
		files, statusErr := r.conflictingFiles(ctx)
		if statusErr != nil {
			return MergeResult{Conflict: true, Output: out}, nil
		}
		return MergeResult{Conflict: true, ConflictingFiles: files, Output: out}, nil
	}
	return MergeResult{Output: out}, err
}

// conflictingFiles collects unmerged paths from porcelain status (status
// codes "UU", "AA", "DD" and friends all begin with U/A/D pairs indicating
// an unresolved path; the teacher's ensureCleanWorktree scans the same
// output shape for a narrower purpose).
func (r *Repo) conflictingFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 3 {
			continue
		}
		code := line[:2]
		if strings.Contains(code, "U") || code == "AA" || code == "DD" {
			files = append(files, strings.TrimSpace(line[2:]))
		}
	}
	return files, nil
}

// StatusPorcelain returns raw `git status --porcelain` output.
func (r *Repo) StatusPorcelain(ctx context.Context) (string, error) {
	return r.run(ctx, "status", "--porcelain")
}

// isConflictOutput does a case-insensitive substring match against the
// known git conflict phrasings, mirroring the teacher's isRebaseConflict /
// isMergeConflict helpers.
func isConflictOutput(output string) bool {
	lower := strings.ToLower(output)
	markers := []string{"conflict", "could not apply", "automatic merge failed", "merge conflict"}
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Push pushes ref to the remote. force allows a non-fast-forward update
// (used after an out-of-line rebase rewrites a branch's history).
func (r *Repo) Push(ctx context.Context, ref string, force bool) error {
	args := []string{"push", "origin", ref}
	if force {
		args = []string{"push", "--force", "origin", ref}
	}
	_, err := r.run(ctx, args...)
	return err
}

// PushDelete best-effort deletes a remote branch.
func (r *Repo) PushDelete(ctx context.Context, branch string) {
	_, _ = r.run(ctx, "push", "origin", "--delete", branch)
}

// LsFiles returns the flat file tree tracked by git.
func (r *Repo) LsFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "ls-files")
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Log returns the last n commit subjects, most recent first.
func (r *Repo) Log(ctx context.Context, n int) ([]string, error) {
	out, err := r.run(ctx, "log", fmt.Sprintf("-n%d", n), "--pretty=format:%h %s")
	if err != nil {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// DiffShortstat returns the `diff --shortstat` summary between two refs.
func (r *Repo) DiffShortstat(ctx context.Context, from, to string) (string, error) {
	return r.run(ctx, "diff", "--shortstat", from, to)
}

// Grep searches tracked files for pattern, returning matching lines.
// Matches are conflict-marker hits when pattern is ConflictMarkerPattern;
// a non-zero exit with no output (no matches) is not an error.
func (r *Repo) Grep(ctx context.Context, pattern string, pathspecs ...string) ([]string, error) {
	args := []string{"grep", "-n", "-I", "-E", pattern, "--"}
	args = append(args, pathspecs...)
	out, err := r.run(ctx, args...)
	if err != nil {
		if strings.TrimSpace(out) == "" {
			return nil, nil
		}
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ConflictMarkerPattern matches unresolved git conflict markers.
const ConflictMarkerPattern = `^(<{7}|={7}|>{7})`

// RevParseHEAD returns the current commit hash.
func (r *Repo) RevParseHEAD(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
