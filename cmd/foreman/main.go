// Command foreman provides the CLI entrypoint for the orchestrator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/elanmora/foreman/internal/buildinfo"
	"github.com/elanmora/foreman/internal/config"
	"github.com/elanmora/foreman/internal/eventlog"
	"github.com/elanmora/foreman/internal/gitops"
	"github.com/elanmora/foreman/internal/llm"
	"github.com/elanmora/foreman/internal/orchestrate"
	"github.com/elanmora/foreman/internal/reconcile"
	"github.com/elanmora/foreman/internal/repo"
	"github.com/elanmora/foreman/internal/sandbox"
)

const usageLine = "usage: foreman <run|version> [flags] [request...]"

func main() {
	if len(os.Args) < 2 {
		emitUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "version":
		runVersion()
	default:
		emitUsage()
		os.Exit(2)
	}
}

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	runnerCommand := fs.String("runner", "", "sandbox runner executable and args, space-separated")
	eventLogPath := fs.String("event-log", "", "path to write the structured event log (default: stderr)")
	apiKey := fs.String("llm-api-key", os.Getenv("FOREMAN_LLM_API_KEY"), "language-model API key")
	gitToken := fs.String("git-token", os.Getenv("FOREMAN_GIT_TOKEN"), "git credential token")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	repoRoot, err := repo.DiscoverRootFromCWD()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		emitUsage()
		os.Exit(2)
	}

	cfg, err := config.Load(repoRoot, nil, func(msg string) { fmt.Fprintln(os.Stderr, "config warning:", msg) })
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	if cfg.TargetRepoPath != "" {
		repoRoot = cfg.TargetRepoPath
	}

	if strings.TrimSpace(*runnerCommand) == "" {
		fmt.Fprintln(os.Stderr, "foreman run: --runner is required")
		os.Exit(2)
	}
	runner := sandbox.NewProcessRunner(strings.Fields(*runnerCommand))

	if len(cfg.LLM.Endpoints) == 0 {
		fmt.Fprintln(os.Stderr, "foreman run: llm.endpoints must configure at least one endpoint")
		os.Exit(2)
	}
	client := llm.NewHTTPClient(
		cfg.LLM.Endpoints[0],
		*apiKey,
		cfg.LLM.Model,
		cfg.LLM.MaxTokens,
		cfg.LLM.Temperature,
		time.Duration(cfg.LLM.TimeoutMs)*time.Millisecond,
	)

	logWriter := os.Stderr
	if *eventLogPath != "" {
		f, err := os.OpenFile(*eventLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "foreman run: open event log:", err)
			os.Exit(1)
		}
		defer f.Close()
		logWriter = f
	}
	eventLogger, err := eventlog.NewLogger(logWriter, time.Now)
	if err != nil {
		fmt.Fprintln(os.Stderr, "foreman run: create event log:", err)
		os.Exit(1)
	}

	o, err := orchestrate.NewOrchestrator(orchestrate.Options{
		RepoRoot:      repoRoot,
		RepoURL:       cfg.Git.RepoURL,
		GitToken:      *gitToken,
		MainBranch:    cfg.Git.MainBranch,
		BranchPrefix:  cfg.Git.BranchPrefix,
		MergeStrategy: gitops.Strategy(cfg.MergeStrategy),
		MaxWorkers:    cfg.MaxWorkers,
		WorkerTimeout: time.Duration(cfg.WorkerTimeoutSeconds) * time.Second,
		LLMConfig: sandbox.LLMConfig{
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			APIKey:      *apiKey,
		},
		Runner:              runner,
		PlannerClient:       client,
		ReconcilerChecks: []reconcile.Check{
			reconcile.NewShellCheck("typecheck", cfg.Reconciler.TypecheckCommand),
			reconcile.NewShellCheck("build", cfg.Reconciler.BuildCommand),
			reconcile.NewShellCheck("test", cfg.Reconciler.TestCommand),
		},
		ReconcilerInterval:  time.Duration(cfg.Reconciler.IntervalMs) * time.Millisecond,
		MaxFixTasks:         cfg.Reconciler.MaxFixTasks,
		HealthCheckInterval: time.Duration(cfg.HealthCheckInterval) * time.Second,
		EventLog:            eventLogger,
		Finalization: orchestrate.FinalizationConfig{
			MaxAttempts:  cfg.Finalization.MaxAttempts,
			SweepTimeout: time.Duration(cfg.Finalization.SweepTimeoutMs) * time.Millisecond,
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "foreman run:", err)
		os.Exit(1)
	}

	request := strings.Join(fs.Args(), " ")
	if request == "" {
		fmt.Fprintln(os.Stderr, "foreman run: a request description is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	snapshot, err := o.Run(ctx, request)
	fmt.Printf("tasks pending=%d active=%d merged=%d conflicts=%d allGreen=%v\n",
		snapshot.PendingTasks, snapshot.ActiveTasks,
		snapshot.MergeStats.TotalMerged, snapshot.MergeStats.TotalConflicts, snapshot.AllGreen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func runVersion() {
	fmt.Println(buildinfo.String())
}

func emitUsage() {
	fmt.Fprintln(os.Stderr, usageLine)
}
