// Package stage defines the declarative pipeline stage model and the
// builtin CI replay pipeline.
package stage

import (
	"path/filepath"
	"time"

	"github.com/kilnlabs/ciro/internal/config"
)

// Policy decides what a stage failure does to the rest of the run.
type Policy string

const (
	// PolicyFatal aborts the pipeline on failure.
	PolicyFatal Policy = "fatal"
	// PolicyWarnContinue records the failure and proceeds; dependents that
	// require success are skipped.
	PolicyWarnContinue Policy = "warn-continue"
	// PolicyRetryThenFatal re-invokes the command up to Retries times, then
	// behaves like PolicyFatal.
	PolicyRetryThenFatal Policy = "retry-then-fatal"
)

// Stage is one unit of pipeline work. The command is a program plus an
// argument list; there is deliberately no shell string form.
type Stage struct {
	Name            string
	Needs           []string
	Program         string
	Args            []string
	Dir             string // working directory for the command
	Env             map[string]string
	Policy          Policy
	Retries         int // used by PolicyRetryThenFatal
	Timeout         time.Duration
	DeviceExclusive bool // never runs concurrently with other device stages

	// Skip decides from the run configuration alone whether the stage is
	// skipped. Nil means the stage always runs.
	Skip func(cfg config.RunConfig) bool
}

// Builtin stage names.
const (
	Venv         = "venv"
	Deps         = "deps"
	DepsOptional = "deps_optional"
	Configure    = "configure"
	Build        = "build"
	UnitTests    = "unit_tests"
	Examples     = "examples"
	Benchmarks   = "benchmarks"
)

// Builtin returns the CI replay pipeline in declaration order:
// venv -> deps -> configure -> build -> unit tests, examples, benchmarks.
func Builtin(cfg config.RunConfig) []Stage {
	venvDir := filepath.Join(cfg.BuildDir, ".venv")
	pip := filepath.Join(venvDir, "bin", "pip")

	configureArgs := []string{
		"-S", cfg.RepoDir,
		"-B", cfg.BuildDir,
		"-G", "Ninja",
	}
	configureArgs = append(configureArgs, cfg.Defines...)

	deviceEnv := map[string]string{}
	if cfg.Device != "" {
		deviceEnv["CIRO_DEVICE"] = cfg.Device
	}

	return []Stage{
		{
			Name:    Venv,
			Program: "python3",
			Args:    []string{"-m", "venv", venvDir},
			Dir:     cfg.RepoDir,
			Policy:  PolicyFatal,
		},
		{
			Name:    Deps,
			Needs:   []string{Venv},
			Program: pip,
			Args:    []string{"install", "-r", filepath.Join(cfg.RepoDir, "requirements.txt")},
			Dir:     cfg.RepoDir,
			Policy:  PolicyRetryThenFatal,
			Retries: cfg.MaxRetries,
			Skip:    func(cfg config.RunConfig) bool { return cfg.SkipDeps },
		},
		{
			// Optional packages were best-effort in the original CI; the
			// failure stays visible in the state log instead of vanishing.
			Name:    DepsOptional,
			Needs:   []string{Venv},
			Program: pip,
			Args:    []string{"install", "-r", filepath.Join(cfg.RepoDir, "requirements-optional.txt")},
			Dir:     cfg.RepoDir,
			Policy:  PolicyWarnContinue,
			Skip:    func(cfg config.RunConfig) bool { return cfg.SkipDeps },
		},
		{
			Name:    Configure,
			Needs:   []string{Deps},
			Program: "cmake",
			Args:    configureArgs,
			Dir:     cfg.RepoDir,
			Policy:  PolicyFatal,
		},
		{
			Name:    Build,
			Needs:   []string{Configure},
			Program: "cmake",
			Args:    []string{"--build", cfg.BuildDir},
			Dir:     cfg.RepoDir,
			Policy:  PolicyFatal,
		},
		{
			Name:            UnitTests,
			Needs:           []string{Build},
			Program:         "ctest",
			Args:            []string{"--test-dir", cfg.BuildDir, "--output-on-failure"},
			Dir:             cfg.BuildDir,
			Env:             deviceEnv,
			Policy:          PolicyFatal,
			DeviceExclusive: true,
			Skip:            func(cfg config.RunConfig) bool { return cfg.SkipTests },
		},
		{
			Name:            Examples,
			Needs:           []string{Build},
			Program:         "cmake",
			Args:            []string{"--build", cfg.BuildDir, "--target", "examples"},
			Dir:             cfg.RepoDir,
			Env:             deviceEnv,
			Policy:          PolicyWarnContinue,
			DeviceExclusive: true,
			Skip:            func(cfg config.RunConfig) bool { return cfg.SkipExamples },
		},
		{
			Name:            Benchmarks,
			Needs:           []string{Build},
			Program:         "ctest",
			Args:            []string{"--test-dir", cfg.BuildDir, "-L", "benchmark"},
			Dir:             cfg.BuildDir,
			Env:             deviceEnv,
			Policy:          PolicyWarnContinue,
			DeviceExclusive: true,
			Skip:            func(cfg config.RunConfig) bool { return cfg.SkipBenchmarks },
		},
	}
}
