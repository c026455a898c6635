package reconcile

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/elanmora/foreman/internal/gitops"
)

// notConfiguredPatterns are the documented substrings (matched
// case-insensitively against a command's combined stdout/stderr) that mean
// "nothing is configured here" rather than a genuine failure, per §4.5 step
// 2: a command's absence counts as success even when its exit code doesn't
// say so.
var notConfiguredPatterns = []string{
	"no test specified",
	"missing script",
	"command not found",
	"not configured",
	"no such file or directory",
}

// NewShellCheck builds a reconcile.Check that runs command as a shell
// command line in the repo's working copy. An empty command is itself "not
// configured" and passes without running anything.
func NewShellCheck(name, command string) Check {
	return Check{
		Name: name,
		Run: func(ctx context.Context, repo *gitops.Repo) (string, error) {
			if strings.TrimSpace(command) == "" {
				return "(not configured)", nil
			}
			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = repo.Path
			out, err := cmd.CombinedOutput()
			output := string(out)
			if err == nil {
				return output, nil
			}
			if isNotConfigured(output) {
				return output, nil
			}
			return output, fmt.Errorf("%s: %w", name, err)
		},
	}
}

func isNotConfigured(output string) bool {
	lower := strings.ToLower(output)
	for _, p := range notConfiguredPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
