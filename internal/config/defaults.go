// Package config provides default configuration handling.
package config

import "strings"

const (
	defaultMaxWorkers          = 50
	defaultWorkerTimeoutSeconds = 1800
	defaultMergeStrategy       = MergeStrategyRebase
	defaultMainBranch          = "main"
	defaultBranchPrefix        = "worker/"
	defaultHealthCheckInterval = 30
	defaultFinalizationEnabled = true
	defaultFinalizationMaxAttempts = 3
	defaultFinalizationSweepTimeoutMs = 300_000
	defaultReconcilerIntervalMs = 30_000
	defaultReconcilerMaxFixTasks = 5
	defaultLLMMaxTokens   = 4096
	defaultLLMTemperature = 0.2
	defaultLLMTimeoutMs   = 120_000
)

// Defaults returns the documented configuration defaults.
func Defaults() Config {
	return Config{
		MaxWorkers:           defaultMaxWorkers,
		WorkerTimeoutSeconds: defaultWorkerTimeoutSeconds,
		MergeStrategy:        defaultMergeStrategy,
		LLM: LLMConfig{
			Endpoints:   nil,
			Model:       "",
			MaxTokens:   defaultLLMMaxTokens,
			Temperature: defaultLLMTemperature,
			TimeoutMs:   defaultLLMTimeoutMs,
		},
		Git: GitConfig{
			MainBranch:   defaultMainBranch,
			BranchPrefix: defaultBranchPrefix,
		},
		HealthCheckInterval: defaultHealthCheckInterval,
		Finalization: FinalizationConfig{
			Enabled:        defaultFinalizationEnabled,
			MaxAttempts:    defaultFinalizationMaxAttempts,
			SweepTimeoutMs: defaultFinalizationSweepTimeoutMs,
		},
		Reconciler: ReconcilerConfig{
			IntervalMs:  defaultReconcilerIntervalMs,
			MaxFixTasks: defaultReconcilerMaxFixTasks,
		},
	}
}

// ApplyDefaults fills missing or invalid values with documented defaults.
func ApplyDefaults(cfg Config, warn func(string)) Config {
	defaults := Defaults()

	cfg.MaxWorkers = normalizePositiveInt(cfg.MaxWorkers, defaults.MaxWorkers, "maxWorkers", warn)
	cfg.WorkerTimeoutSeconds = normalizePositiveInt(cfg.WorkerTimeoutSeconds, defaults.WorkerTimeoutSeconds, "workerTimeout", warn)
	cfg.MergeStrategy = normalizeMergeStrategy(cfg.MergeStrategy, defaults.MergeStrategy, "mergeStrategy", warn)

	cfg.LLM.Endpoints = normalizeEndpoints(cfg.LLM.Endpoints, "llm.endpoints", warn)
	cfg.LLM.Model = strings.TrimSpace(cfg.LLM.Model)
	cfg.LLM.MaxTokens = normalizePositiveInt(cfg.LLM.MaxTokens, defaults.LLM.MaxTokens, "llm.maxTokens", warn)
	cfg.LLM.Temperature = normalizeTemperature(cfg.LLM.Temperature, defaults.LLM.Temperature, "llm.temperature", warn)
	cfg.LLM.TimeoutMs = normalizePositiveInt(cfg.LLM.TimeoutMs, defaults.LLM.TimeoutMs, "llm.timeoutMs", warn)

	cfg.Git.RepoURL = strings.TrimSpace(cfg.Git.RepoURL)
	cfg.Git.MainBranch = normalizeNonEmpty(cfg.Git.MainBranch, defaults.Git.MainBranch, "git.mainBranch", warn)
	cfg.Git.BranchPrefix = normalizeNonEmpty(cfg.Git.BranchPrefix, defaults.Git.BranchPrefix, "git.branchPrefix", warn)

	cfg.TargetRepoPath = strings.TrimSpace(cfg.TargetRepoPath)

	cfg.HealthCheckInterval = normalizePositiveInt(cfg.HealthCheckInterval, defaults.HealthCheckInterval, "healthCheckInterval", warn)

	finalizationMissing := cfg.Finalization == (FinalizationConfig{})
	if finalizationMissing {
		cfg.Finalization.Enabled = defaults.Finalization.Enabled
	}
	if cfg.Finalization.MaxAttempts <= 0 {
		if !finalizationMissing {
			emitWarning(warn, "invalid finalization.maxAttempts; using default")
		}
		cfg.Finalization.MaxAttempts = defaults.Finalization.MaxAttempts
	}
	cfg.Finalization.SweepTimeoutMs = normalizePositiveInt(cfg.Finalization.SweepTimeoutMs, defaults.Finalization.SweepTimeoutMs, "finalization.sweepTimeoutMs", warn)

	cfg.Reconciler.IntervalMs = normalizePositiveInt(cfg.Reconciler.IntervalMs, defaults.Reconciler.IntervalMs, "reconciler.intervalMs", warn)
	cfg.Reconciler.MaxFixTasks = normalizePositiveInt(cfg.Reconciler.MaxFixTasks, defaults.Reconciler.MaxFixTasks, "reconciler.maxFixTasks", warn)
	cfg.Reconciler.TypecheckCommand = strings.TrimSpace(cfg.Reconciler.TypecheckCommand)
	cfg.Reconciler.BuildCommand = strings.TrimSpace(cfg.Reconciler.BuildCommand)
	cfg.Reconciler.TestCommand = strings.TrimSpace(cfg.Reconciler.TestCommand)

	return cfg
}

// normalizePositiveInt defaults invalid values.
func normalizePositiveInt(value int, fallback int, key string, warn func(string)) int {
	if value <= 0 {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return value
}

// normalizeNonEmpty defaults blank strings.
func normalizeNonEmpty(value string, fallback string, key string, warn func(string)) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return trimmed
}

// normalizeMergeStrategy validates the configured merge strategy name.
func normalizeMergeStrategy(value string, fallback string, key string, warn func(string)) string {
	trimmed := normalized(value)
	if trimmed == "" {
		return fallback
	}
	if !IsValidMergeStrategy(trimmed) {
		emitWarning(warn, "invalid "+key+"; using default merge strategy")
		return fallback
	}
	return trimmed
}

// normalizeEndpoints drops blank entries from the configured endpoint list.
func normalizeEndpoints(values []string, key string, warn func(string)) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			emitWarning(warn, "invalid entry in "+key+"; skipping")
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// normalizeTemperature replaces a sampling temperature outside [0, 2] with
// the default.
func normalizeTemperature(value float64, fallback float64, key string, warn func(string)) float64 {
	if value < 0 || value > 2 {
		emitWarning(warn, "invalid "+key+"; using default")
		return fallback
	}
	return value
}

// emitWarning forwards warnings to the provided sink.
func emitWarning(warn func(string), message string) {
	if warn == nil {
		return
	}
	warn(message)
}
