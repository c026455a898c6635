// Package config tests default configuration behavior.
package config

import (
	"strings"
	"testing"
)

// TestDefaultsDocumentedValues verifies the published defaults are stable.
func TestDefaultsDocumentedValues(t *testing.T) {
	t.Parallel()

	cfg := Defaults()

	if got, want := cfg.MaxWorkers, 50; got != want {
		t.Fatalf("maxWorkers = %d, want %d", got, want)
	}
	if got, want := cfg.WorkerTimeoutSeconds, 1800; got != want {
		t.Fatalf("workerTimeout = %d, want %d", got, want)
	}
	if cfg.MergeStrategy != MergeStrategyRebase {
		t.Fatalf("mergeStrategy = %q, want %q", cfg.MergeStrategy, MergeStrategyRebase)
	}
	if cfg.Git.MainBranch != "main" {
		t.Fatalf("git.mainBranch = %q, want main", cfg.Git.MainBranch)
	}
	if cfg.Git.BranchPrefix != "worker/" {
		t.Fatalf("git.branchPrefix = %q, want worker/", cfg.Git.BranchPrefix)
	}
	if !cfg.Finalization.Enabled {
		t.Fatal("finalization.enabled should default to true")
	}
	if cfg.Finalization.MaxAttempts != 3 {
		t.Fatalf("finalization.maxAttempts = %d, want 3", cfg.Finalization.MaxAttempts)
	}
	if cfg.Reconciler.MaxFixTasks != 5 {
		t.Fatalf("reconciler.maxFixTasks = %d, want 5", cfg.Reconciler.MaxFixTasks)
	}
}

// TestApplyDefaultsMissingConfig verifies defaults apply to an empty config.
func TestApplyDefaultsMissingConfig(t *testing.T) {
	t.Parallel()

	cfg := ApplyDefaults(Config{}, nil)
	expected := Defaults()

	if cfg.MaxWorkers != expected.MaxWorkers || cfg.WorkerTimeoutSeconds != expected.WorkerTimeoutSeconds {
		t.Fatal("ApplyDefaults should match Defaults for an empty config")
	}
	if cfg.Git.MainBranch != expected.Git.MainBranch || cfg.Git.BranchPrefix != expected.Git.BranchPrefix {
		t.Fatal("ApplyDefaults should fill in default git addressing")
	}
	if cfg.Finalization != expected.Finalization {
		t.Fatal("ApplyDefaults should fill in default finalization settings")
	}
}

// TestApplyDefaultsInvalidValues verifies invalid values fall back to defaults with warnings.
func TestApplyDefaultsInvalidValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		MaxWorkers:           -1,
		WorkerTimeoutSeconds: 0,
		MergeStrategy:        "squash",
		LLM: LLMConfig{
			Endpoints:   []string{"https://a/v1", "  ", "https://b/v1"},
			Temperature: 9,
			MaxTokens:   -1,
			TimeoutMs:   -1,
		},
		Git: GitConfig{
			MainBranch:   "",
			BranchPrefix: "  ",
		},
		Finalization: FinalizationConfig{
			Enabled:     true,
			MaxAttempts: -1,
		},
		Reconciler: ReconcilerConfig{
			IntervalMs:  0,
			MaxFixTasks: -3,
		},
	}

	var warnings []string
	warn := func(message string) { warnings = append(warnings, message) }

	normalized := ApplyDefaults(cfg, warn)

	if normalized.MaxWorkers != 50 {
		t.Fatal("maxWorkers should fall back to default")
	}
	if normalized.WorkerTimeoutSeconds != 1800 {
		t.Fatal("workerTimeout should fall back to default")
	}
	if normalized.MergeStrategy != MergeStrategyRebase {
		t.Fatal("mergeStrategy should fall back to default for an unrecognized name")
	}
	if len(normalized.LLM.Endpoints) != 2 {
		t.Fatalf("llm.endpoints should drop blank entries, got %v", normalized.LLM.Endpoints)
	}
	if normalized.LLM.Temperature != 0.2 {
		t.Fatal("llm.temperature should fall back to default when out of range")
	}
	if normalized.Git.MainBranch != "main" {
		t.Fatal("git.mainBranch should fall back to default")
	}
	if normalized.Git.BranchPrefix != "worker/" {
		t.Fatal("git.branchPrefix should fall back to default")
	}
	if normalized.Finalization.MaxAttempts != 3 {
		t.Fatal("finalization.maxAttempts should fall back to default")
	}
	if !normalized.Finalization.Enabled {
		t.Fatal("finalization.enabled should be preserved as configured")
	}
	if normalized.Reconciler.MaxFixTasks != 5 {
		t.Fatal("reconciler.maxFixTasks should fall back to default")
	}
	if len(warnings) == 0 {
		t.Fatal("expected warnings for invalid values")
	}
	if !warningsContain(warnings, "mergeStrategy") {
		t.Fatal("expected warning for mergeStrategy")
	}
	if !warningsContain(warnings, "llm.temperature") {
		t.Fatal("expected warning for llm.temperature")
	}
}

func warningsContain(warnings []string, substr string) bool {
	for _, warning := range warnings {
		if strings.Contains(warning, substr) {
			return true
		}
	}
	return false
}
