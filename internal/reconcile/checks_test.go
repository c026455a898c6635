package reconcile

import (
	"context"
	"testing"

	"github.com/elanmora/foreman/internal/gitops"
)

func TestNewShellCheckEmptyCommandPasses(t *testing.T) {
	t.Parallel()
	repo := gitops.NewRepo(t.TempDir())
	c := NewShellCheck("build", "")
	if _, err := c.Run(context.Background(), repo); err != nil {
		t.Fatalf("Run: %v, want an empty command to pass as not configured", err)
	}
}

func TestNewShellCheckSucceedingCommandPasses(t *testing.T) {
	t.Parallel()
	repo := gitops.NewRepo(t.TempDir())
	c := NewShellCheck("test", "exit 0")
	output, err := c.Run(context.Background(), repo)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	_ = output
}

func TestNewShellCheckFailingCommandFails(t *testing.T) {
	t.Parallel()
	repo := gitops.NewRepo(t.TempDir())
	c := NewShellCheck("test", "echo boom 1>&2; exit 1")
	if _, err := c.Run(context.Background(), repo); err == nil {
		t.Fatal("expected an error for a genuine failure")
	}
}

func TestNewShellCheckNotConfiguredOutputPassesDespiteNonzeroExit(t *testing.T) {
	t.Parallel()
	repo := gitops.NewRepo(t.TempDir())
	c := NewShellCheck("test", "echo 'Error: no test specified' 1>&2; exit 1")
	if _, err := c.Run(context.Background(), repo); err != nil {
		t.Fatalf("Run: %v, want a \"not configured\" pattern to count as success", err)
	}
}

func TestIsNotConfiguredMatchesDocumentedPatterns(t *testing.T) {
	t.Parallel()
	cases := []string{
		"Error: no test specified",
		"npm error missing script: build",
		"sh: tsc: command not found",
	}
	for _, output := range cases {
		if !isNotConfigured(output) {
			t.Errorf("isNotConfigured(%q) = false, want true", output)
		}
	}
	if isNotConfigured("FAIL: 3 tests failed") {
		t.Error("isNotConfigured matched a genuine failure")
	}
}
