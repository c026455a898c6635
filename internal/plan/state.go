package plan

import (
	"context"
	"os"
	"path/filepath"

	"github.com/elanmora/foreman/internal/gitops"
)

// RepoState is the slice of repository state the planner includes in a
// prompt: the full flat file tree, recent commit subjects, and whichever
// optional project documents are present.
type RepoState struct {
	Files   []string
	Commits []string
	Docs    map[string]string
}

// RepoReader supplies repository state to the planner without coupling it
// to a concrete git implementation — tests substitute a fake.
type RepoReader interface {
	ReadState(ctx context.Context) (RepoState, error)
}

// docNames are the optional project documents read into the prompt when
// present, per the distilled spec's "spec/features/conventions/decisions"
// list.
var docNames = []string{"spec.md", "features.md", "conventions.md", "decisions.md"}

// GitRepoReader reads repository state from a working copy via gitops and
// the filesystem.
type GitRepoReader struct {
	Repo *gitops.Repo
}

// NewGitRepoReader constructs a GitRepoReader rooted at repo.
func NewGitRepoReader(repo *gitops.Repo) *GitRepoReader {
	return &GitRepoReader{Repo: repo}
}

// ReadState implements RepoReader.
func (g *GitRepoReader) ReadState(ctx context.Context) (RepoState, error) {
	files, err := g.Repo.LsFiles(ctx)
	if err != nil {
		return RepoState{}, err
	}
	commits, err := g.Repo.Log(ctx, 10)
	if err != nil {
		return RepoState{}, err
	}
	docs := make(map[string]string)
	for _, name := range docNames {
		content, err := os.ReadFile(filepath.Join(g.Repo.Path, name))
		if err != nil {
			continue
		}
		docs[name] = string(content)
	}
	return RepoState{Files: files, Commits: commits, Docs: docs}, nil
}
