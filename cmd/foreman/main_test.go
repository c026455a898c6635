package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestCLICommands(t *testing.T) {
	binaryPath := filepath.Join(t.TempDir(), "foreman-test")
	build := exec.Command("go", "build", "-o", binaryPath, ".")
	if err := build.Run(); err != nil {
		t.Fatalf("build CLI binary: %v", err)
	}

	tests := []struct {
		name           string
		args           []string
		expectedExit   int
		expectedOutput string
	}{
		{
			name:         "no arguments shows usage",
			args:         []string{},
			expectedExit: 2,
		},
		{
			name:         "unknown command shows usage",
			args:         []string{"unknown"},
			expectedExit: 2,
		},
		{
			name:           "version command",
			args:           []string{"version"},
			expectedExit:   0,
			expectedOutput: "version=dev commit=unknown built_at=unknown",
		},
		{
			name:         "run without required flags exits with usage error",
			args:         []string{"run"},
			expectedExit: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := exec.Command(binaryPath, tt.args...)
			output, err := cmd.CombinedOutput()

			var exitCode int
			if err != nil {
				exitErr, ok := err.(*exec.ExitError)
				if !ok {
					t.Fatalf("unexpected error type: %v", err)
				}
				exitCode = exitErr.ExitCode()
			}
			if exitCode != tt.expectedExit {
				t.Errorf("exit code = %d, want %d (output: %s)", exitCode, tt.expectedExit, output)
			}

			outputStr := strings.TrimSpace(string(output))
			if tt.expectedOutput != "" && !strings.Contains(outputStr, tt.expectedOutput) {
				t.Errorf("output = %q, want to contain %q", outputStr, tt.expectedOutput)
			}
		})
	}
}

func TestVersionCommandWithLinkerMetadata(t *testing.T) {
	binaryPath := filepath.Join(t.TempDir(), "foreman-version-metadata")
	ldflags := "-X github.com/elanmora/foreman/internal/buildinfo.Version=1.2.3" +
		" -X github.com/elanmora/foreman/internal/buildinfo.Commit=8d3f2a1" +
		" -X github.com/elanmora/foreman/internal/buildinfo.BuiltAt=2025-02-14T09:30:00Z"
	build := exec.Command("go", "build", "-ldflags", ldflags, "-o", binaryPath, ".")
	if err := build.Run(); err != nil {
		t.Fatalf("build CLI binary with metadata: %v", err)
	}

	output, err := exec.Command(binaryPath, "version").CombinedOutput()
	if err != nil {
		t.Fatalf("version command: %v, output: %s", err, output)
	}

	want := "version=1.2.3 commit=8d3f2a1 built_at=2025-02-14T09:30:00Z"
	if got := strings.TrimSpace(string(output)); got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestMain(m *testing.M) {
	if _, err := exec.LookPath("go"); err != nil {
		os.Exit(0)
	}
	os.Exit(m.Run())
}
