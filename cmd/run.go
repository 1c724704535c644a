package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kilnlabs/ciro/internal/config"
	"github.com/kilnlabs/ciro/internal/ctxlog"
	"github.com/kilnlabs/ciro/internal/display"
	"github.com/kilnlabs/ciro/internal/engine"
	"github.com/kilnlabs/ciro/internal/envctx"
	"github.com/kilnlabs/ciro/internal/gitsync"
	"github.com/kilnlabs/ciro/internal/history"
	"github.com/kilnlabs/ciro/internal/manifest"
	"github.com/kilnlabs/ciro/internal/runner"
	"github.com/kilnlabs/ciro/internal/stage"
	"github.com/kilnlabs/ciro/internal/state"
)

// Run command flags
var (
	// Target selection
	branchFlag  string
	variantFlag string
	repoFlag    string

	// Build control
	buildDirFlag   string
	jobsFlag       int
	cleanFlag      bool
	resumeFlag     bool
	forceFlag      bool
	timeoutFlag    time.Duration
	retryDelayFlag time.Duration

	// Stage selection
	skipDepsFlag       bool
	skipTestsFlag      bool
	skipExamplesFlag   bool
	skipBenchmarksFlag bool
	skipFlag           []string

	// Environment
	envFileFlag []string

	// Output
	logFormatFlag string
	verboseFlag   bool
)

var runCmd = &cobra.Command{
	Use:   "run [pr-number]",
	Short: "Replay the CI pipeline",
	Long: `Replay the CI pipeline against the current checkout, a branch, or a
pull request.

The pipeline runs environment setup, dependency installation, configure,
build, unit tests, examples, and benchmarks in dependency order. Each
stage transition is flushed to a run log before the next stage starts,
so a killed run can be picked up again with --resume.

A repository can replace the builtin pipeline by providing
.ciro/pipeline.yaml.

Examples:
  ciro run                        # Current checkout, default variant
  ciro run 1234                   # Fetch and run PR #1234
  ciro run --branch release-2.4   # Run a branch
  ciro run --variant rocm         # Run with the rocm environment overlay
  ciro run --resume               # Continue the last interrupted run
  ciro run --skip-benchmarks      # Everything except benchmarks
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&branchFlag, "branch", "b", "", "Branch to check out and run")
	runCmd.Flags().StringVar(&variantFlag, "variant", "", "Hardware variant (cpu, rocm, cuda, ...)")
	runCmd.Flags().StringVar(&repoFlag, "repo", ".", "Repository directory")

	runCmd.Flags().StringVar(&buildDirFlag, "build-dir", "", "Build directory (default from config)")
	runCmd.Flags().IntVarP(&jobsFlag, "jobs", "j", 0, "Max stages to run concurrently (default 1)")
	runCmd.Flags().BoolVar(&cleanFlag, "clean", false, "Remove the build directory first")
	runCmd.Flags().BoolVar(&resumeFlag, "resume", false, "Continue from the last run's state log")
	runCmd.Flags().BoolVar(&forceFlag, "force", false, "Check out over a dirty worktree")
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Per-stage timeout (default from config)")
	runCmd.Flags().DurationVar(&retryDelayFlag, "retry-delay", 0, "Base retry delay (default from config)")

	runCmd.Flags().BoolVar(&skipDepsFlag, "skip-deps", false, "Skip dependency installation")
	runCmd.Flags().BoolVar(&skipTestsFlag, "skip-tests", false, "Skip unit tests")
	runCmd.Flags().BoolVar(&skipExamplesFlag, "skip-examples", false, "Skip example builds")
	runCmd.Flags().BoolVar(&skipBenchmarksFlag, "skip-benchmarks", false, "Skip benchmarks")
	runCmd.Flags().StringArrayVar(&skipFlag, "skip", nil, "Skip a stage by name (repeatable)")

	runCmd.Flags().StringArrayVar(&envFileFlag, "env-file", nil, "Extra env file layered over the variant (repeatable)")

	runCmd.Flags().StringVar(&logFormatFlag, "log-format", "text", "Log format: text or json")
	runCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug-level logging")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := ctxlog.New(os.Stderr, logFormatFlag, verboseFlag)
	ctx = ctxlog.WithLogger(ctx, logger)

	settings, err := config.Load(repoFlag)
	if err != nil {
		return err
	}
	cfg, err := config.Build(config.Options{
		Positional:     args,
		Branch:         branchFlag,
		Variant:        variantFlag,
		RepoDir:        repoFlag,
		BuildDir:       buildDirFlag,
		Jobs:           jobsFlag,
		Clean:          cleanFlag,
		Resume:         resumeFlag,
		Force:          forceFlag,
		Timeout:        timeoutFlag,
		RetryDelay:     retryDelayFlag,
		EnvFiles:       envFileFlag,
		SkipDeps:       skipDepsFlag,
		SkipTests:      skipTestsFlag,
		SkipExamples:   skipExamplesFlag,
		SkipBenchmarks: skipBenchmarksFlag,
	}, settings)
	if err != nil {
		return err
	}

	if cfg.Clean {
		if cfg.Resume {
			return &config.ValidationError{Msg: "--clean and --resume are mutually exclusive"}
		}
		logger.Info("removing build directory", "dir", cfg.BuildDir)
		if err := os.RemoveAll(cfg.BuildDir); err != nil {
			return fmt.Errorf("failed to clean build directory: %w", err)
		}
	}

	checkout, err := gitsync.Resolve(cfg.RepoDir, gitsync.Target{
		Ref:   cfg.TargetRef,
		IsPR:  cfg.IsPR,
		Force: cfg.Force,
	})
	if err != nil {
		return err
	}
	logger.Info("checkout resolved", "commit", checkout.Commit, "label", checkout.Label)

	layers, err := buildEnvLayers(cfg)
	if err != nil {
		return err
	}

	stages, err := manifest.Load(cfg.RepoDir, cfg)
	if errors.Is(err, manifest.ErrNotFound) {
		stages = stage.Builtin(cfg)
	} else if err != nil {
		return err
	}

	skipNames := make(map[string]bool, len(skipFlag))
	for _, name := range skipFlag {
		skipNames[name] = true
	}

	if err := checkTools(stages, cfg, skipNames); err != nil {
		return err
	}

	var resume map[string]state.Transition
	if cfg.Resume {
		resume, err = loadResumeSnapshot(cfg, logger)
		if err != nil {
			return err
		}
	}

	runID := uuid.NewString()[:8]
	hdr := state.Header{
		RunID:     runID,
		StartedAt: time.Now(),
		Variant:   cfg.Variant,
		TargetRef: cfg.TargetRef,
		Label:     cfg.Label(),
		Commit:    checkout.Commit,
	}
	runsDir := filepath.Join(cfg.BuildDir, config.CiroDir, config.RunsDir)
	log, err := state.Open(runsDir, hdr)
	if err != nil {
		return err
	}
	defer log.Close()

	printer := display.NewPrinter(os.Stdout)
	printer.RunHeader(hdr, len(stages))

	eng := engine.New(cfg, runner.New(), log)
	summary, runErr := eng.Run(ctx, stages, engine.Options{
		Jobs:      cfg.Jobs,
		SkipNames: skipNames,
		Resume:    resume,
		EnvLayers: layers,
		Events:    printer,
	})
	printer.Summary(summary)

	// The run context may already be cancelled (Ctrl-C); archive anyway.
	archiveRun(context.Background(), cfg, hdr, summary, logger)

	if runErr != nil {
		return runErr
	}
	if summary.ExitCode != engine.ExitOK {
		msg := ""
		if summary.First != nil {
			msg = fmt.Sprintf("stage %s failed", summary.First.Name)
		}
		return &exitError{code: summary.ExitCode, msg: msg}
	}
	return nil
}

// checkTools verifies that every PATH-resolved stage command exists before
// any state log is created. Programs given as paths (like the venv's pip)
// are produced by earlier stages and cannot be checked up front.
func checkTools(stages []stage.Stage, cfg config.RunConfig, skipNames map[string]bool) error {
	seen := make(map[string]bool)
	for _, s := range stages {
		if skipNames[s.Name] || (s.Skip != nil && s.Skip(cfg)) {
			continue
		}
		if strings.ContainsRune(s.Program, os.PathSeparator) {
			continue
		}
		if seen[s.Program] {
			continue
		}
		seen[s.Program] = true
		if err := runner.LookPath(s.Program); err != nil {
			return &config.PrereqError{What: "required tool", Path: s.Program}
		}
	}
	return nil
}

// buildEnvLayers assembles the stage environment: configured passthrough
// variables, then the variant's env files and inline env, then env files
// given on the command line. Later layers win.
func buildEnvLayers(cfg config.RunConfig) ([]map[string]string, error) {
	layers := []map[string]string{cfg.BaseEnv()}

	for _, path := range cfg.VariantFiles {
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.RepoDir, path)
		}
		layer, err := envctx.FileLayer(path)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	if len(cfg.VariantEnv) > 0 {
		layers = append(layers, cfg.VariantEnv)
	}
	for _, path := range cfg.EnvFiles {
		layer, err := envctx.FileLayer(path)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// loadResumeSnapshot replays the most recent run log for the build dir.
func loadResumeSnapshot(cfg config.RunConfig, logger *slog.Logger) (map[string]state.Transition, error) {
	runsDir := filepath.Join(cfg.BuildDir, config.CiroDir, config.RunsDir)
	path, err := state.Latest(runsDir)
	if err != nil {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("cannot resume: %v", err)}
	}
	prior, err := state.Load(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resume from %s: %w", path, err)
	}
	logger.Info("resuming", "from", path, "run", prior.Header.RunID)
	return prior.Snapshot(), nil
}

// archiveRun records the finished run in the history database. Archive
// failures are logged, never fatal: the run itself already succeeded or
// failed on its own terms.
func archiveRun(ctx context.Context, cfg config.RunConfig, hdr state.Header, summary engine.Summary, logger *slog.Logger) {
	store, err := history.Open(filepath.Join(cfg.RepoDir, config.CiroDir, config.HistoryFile))
	if err != nil {
		logger.Warn("run archive unavailable", "error", err)
		return
	}
	defer store.Close()

	var run, failed int
	for _, o := range summary.Stages {
		switch o.Status {
		case state.StatusSuccess, state.StatusFailed:
			run++
		}
		if o.Status == state.StatusFailed {
			failed++
		}
	}
	err = store.Record(ctx, history.Entry{
		ID:           hdr.RunID,
		StartedAt:    hdr.StartedAt,
		FinishedAt:   time.Now(),
		Target:       hdr.Label,
		Variant:      hdr.Variant,
		Commit:       hdr.Commit,
		State:        string(summary.State),
		ExitCode:     summary.ExitCode,
		StagesRun:    run,
		StagesFailed: failed,
	})
	if err != nil {
		logger.Warn("failed to archive run", "error", err)
	}
}
