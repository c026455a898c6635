// Package worktree manages isolated, ephemeral git worktrees used by the
// merge queue to perform out-of-line rebase attempts without disturbing
// the shared mainline checkout. Worktrees created here are
// scratch space for the current run only: nothing is persisted across
// process restarts, matching the orchestrator's non-persistence design.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	localStateDirName = "_foreman-worktrees"
	dirMode           = 0o755
)

// Manager creates and tears down temporary worktrees rooted at a target
// repository.
type Manager struct {
	repoRoot      string
	localStateDir string
}

// NewManager constructs a Manager rooted at the provided repository root.
func NewManager(repoRoot string) (*Manager, error) {
	if strings.TrimSpace(repoRoot) == "" {
		return nil, errors.New("worktree: repo root is required")
	}
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("worktree: resolve repo root %s: %w", repoRoot, err)
	}
	return &Manager{repoRoot: abs, localStateDir: filepath.Join(abs, localStateDirName)}, nil
}

// Handle identifies an ephemeral worktree and how to remove it.
type Handle struct {
	Path   string
	Branch string
}

// CreateTemp creates a new worktree at a fresh path checked out onto branch,
// created from base. namePrefix groups related temp worktrees (e.g. "merge",
// "rebase") for readability on disk.
func (m *Manager) CreateTemp(ctx context.Context, namePrefix, branch, base string) (Handle, error) {
	if err := os.MkdirAll(m.localStateDir, dirMode); err != nil {
		return Handle{}, fmt.Errorf("worktree: create state dir: %w", err)
	}
	dirName := fmt.Sprintf("%s-%d", namePrefix, time.Now().UTC().UnixNano())
	path := filepath.Join(m.localStateDir, dirName)

	if _, err := m.runGit(ctx, "worktree", "add", "-b", branch, path, base); err != nil {
		return Handle{}, err
	}
	return Handle{Path: path, Branch: branch}, nil
}

// Remove tears down a temporary worktree and deletes its local branch.
// Failures here are SubprocessCleanupFailure class: logged by the caller,
// never fatal.
func (m *Manager) Remove(ctx context.Context, h Handle) error {
	_, err := m.runGit(ctx, "worktree", "remove", "--force", h.Path)
	if h.Branch != "" {
		_, _ = m.runGit(ctx, "branch", "-D", h.Branch)
	}
	return err
}

func (m *Manager) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("worktree: git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
