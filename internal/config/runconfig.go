package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// ValidationError reports invalid or conflicting user input. It is detected
// before any stage runs and before any state log is created.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// PrereqError reports a required directory or tool that is absent.
type PrereqError struct {
	What string // "repository", "build directory", tool name
	Path string
}

func (e *PrereqError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Path)
}

// Options carries raw CLI input into Build. Zero values mean "not given".
type Options struct {
	Positional []string // bare numeric positional = PR number
	Branch     string
	Variant    string
	RepoDir    string
	BuildDir   string
	Jobs       int
	Clean      bool
	Resume     bool
	Force      bool
	Timeout    time.Duration
	RetryDelay time.Duration
	EnvFiles   []string

	SkipDeps       bool
	SkipTests      bool
	SkipExamples   bool
	SkipBenchmarks bool
}

// RunConfig is the immutable snapshot of everything a run needs. It is
// constructed once at startup and never mutated afterwards.
type RunConfig struct {
	TargetRef string // branch name, PR number digits, or "current"
	IsPR      bool

	Variant      string
	VariantEnv   map[string]string
	VariantFiles []string
	Device       string
	Defines      []string

	RepoDir      string
	BuildDir     string // absolute
	Jobs         int
	Clean        bool
	Resume       bool
	Force        bool
	StageTimeout time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
	Passthrough  []string
	EnvFiles     []string

	SkipDeps       bool
	SkipTests      bool
	SkipExamples   bool
	SkipBenchmarks bool
}

var prNumberRe = regexp.MustCompile(`^[0-9]+$`)

// Build merges CLI options with file settings into a validated RunConfig.
func Build(opts Options, settings Settings) (RunConfig, error) {
	cfg := RunConfig{
		TargetRef:      "current",
		Variant:        settings.DefaultVariant,
		Jobs:           settings.Jobs,
		Clean:          opts.Clean,
		Resume:         opts.Resume,
		Force:          opts.Force,
		StageTimeout:   settings.StageTimeout,
		MaxRetries:     settings.MaxRetries,
		RetryDelay:     settings.RetryDelay,
		Passthrough:    settings.Passthrough,
		EnvFiles:       opts.EnvFiles,
		SkipDeps:       opts.SkipDeps,
		SkipTests:      opts.SkipTests,
		SkipExamples:   opts.SkipExamples,
		SkipBenchmarks: opts.SkipBenchmarks,
	}

	// Target reference: bare numeric positional is a PR number.
	if len(opts.Positional) > 1 {
		return cfg, &ValidationError{Msg: fmt.Sprintf("expected at most one PR number, got %d arguments", len(opts.Positional))}
	}
	if len(opts.Positional) == 1 {
		arg := opts.Positional[0]
		if !prNumberRe.MatchString(arg) {
			return cfg, &ValidationError{Msg: fmt.Sprintf("positional argument %q is not a PR number", arg)}
		}
		if opts.Branch != "" {
			return cfg, &ValidationError{Msg: fmt.Sprintf("both PR %s and branch %q given; pick one", arg, opts.Branch)}
		}
		cfg.TargetRef = arg
		cfg.IsPR = true
	} else if opts.Branch != "" {
		cfg.TargetRef = opts.Branch
	}

	if opts.Variant != "" {
		cfg.Variant = opts.Variant
	}
	variant, ok := settings.Variants[cfg.Variant]
	if !ok {
		return cfg, &ValidationError{Msg: fmt.Sprintf("unknown variant %q", cfg.Variant)}
	}
	cfg.VariantEnv = variant.Env
	cfg.VariantFiles = variant.EnvFiles
	cfg.Device = variant.Device
	cfg.Defines = variant.CMakeDefines

	if opts.Jobs > 0 {
		cfg.Jobs = opts.Jobs
	}
	if cfg.Jobs < 1 {
		return cfg, &ValidationError{Msg: fmt.Sprintf("jobs must be >= 1, got %d", cfg.Jobs)}
	}
	if opts.Timeout > 0 {
		cfg.StageTimeout = opts.Timeout
	}
	if opts.RetryDelay > 0 {
		cfg.RetryDelay = opts.RetryDelay
	}

	// Repository directory must exist before anything else happens.
	repoDir := opts.RepoDir
	if repoDir == "" {
		repoDir = "."
	}
	absRepo, err := filepath.Abs(repoDir)
	if err != nil {
		return cfg, fmt.Errorf("failed to resolve repository path: %w", err)
	}
	if info, err := os.Stat(absRepo); err != nil || !info.IsDir() {
		return cfg, &PrereqError{What: "repository", Path: absRepo}
	}
	cfg.RepoDir = absRepo

	buildDir := opts.BuildDir
	if buildDir == "" {
		buildDir = settings.BuildDir
	}
	if !filepath.IsAbs(buildDir) {
		buildDir = filepath.Join(absRepo, buildDir)
	}
	cfg.BuildDir = buildDir

	return cfg, nil
}

// BaseEnv returns the base environment layer: the configured passthrough
// variables copied from the current process environment.
func (c RunConfig) BaseEnv() map[string]string {
	base := make(map[string]string, len(c.Passthrough))
	for _, key := range c.Passthrough {
		if v, ok := os.LookupEnv(key); ok {
			base[key] = v
		}
	}
	return base
}

// Label describes the target reference for run records and display.
func (c RunConfig) Label() string {
	if c.IsPR {
		return "PR #" + c.TargetRef
	}
	return c.TargetRef
}
