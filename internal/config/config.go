// Package config loads .ciro/config.yaml and builds the immutable RunConfig
// every other component reads.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CiroDir is the name of the ciro configuration directory inside the
// target repository.
const CiroDir = ".ciro"

// File name constants for consistent usage across the codebase.
const (
	ConfigFile   = "config.yaml"
	PipelineFile = "pipeline.yaml" // optional custom pipeline manifest
	RunsDir      = "runs"          // per-run state logs
	HistoryFile  = "history.db"
)

// Variant selects the environment and command overlays for one hardware
// target (e.g. cuda, rocm, cpu). All values are opaque to ciro.
type Variant struct {
	Env          map[string]string `yaml:"env"`
	EnvFiles     []string          `yaml:"envFiles"`
	Device       string            `yaml:"device"`
	CMakeDefines []string          `yaml:"cmakeDefines"`
}

// Settings is the materialized .ciro/config.yaml content with defaults
// applied.
type Settings struct {
	DefaultVariant string
	Jobs           int
	StageTimeout   time.Duration
	MaxRetries     int
	RetryDelay     time.Duration // base delay for retry backoff
	BuildDir       string        // relative to the repository root
	Passthrough    []string
	Variants       map[string]Variant
}

// rawSettings is used for YAML unmarshaling to distinguish missing keys
// from explicit empty values.
type rawSettings struct {
	DefaultVariant *string             `yaml:"defaultVariant"`
	Jobs           *int                `yaml:"jobs"`
	StageTimeout   *string             `yaml:"stageTimeout"`
	MaxRetries     *int                `yaml:"maxRetries"`
	RetryDelay     *string             `yaml:"retryDelay"`
	BuildDir       *string             `yaml:"buildDir"`
	Passthrough    []string            `yaml:"passthrough"`
	Variants       map[string]*Variant `yaml:"variants"`
}

// DefaultSettings returns sensible defaults for when no config file exists.
func DefaultSettings() Settings {
	return Settings{
		DefaultVariant: "cpu",
		Jobs:           1,
		StageTimeout:   30 * time.Minute,
		MaxRetries:     1,
		RetryDelay:     2 * time.Second,
		BuildDir:       "build",
		Passthrough:    []string{"PATH", "HOME", "USER", "TMPDIR", "LANG"},
		Variants: map[string]Variant{
			"cpu": {},
		},
	}
}

// Load reads .ciro/config.yaml from the given repository directory.
// A missing file yields defaults; a malformed file is a ValidationError.
func Load(repoDir string) (Settings, error) {
	settings := DefaultSettings()

	path := filepath.Join(repoDir, CiroDir, ConfigFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw rawSettings
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return settings, &ValidationError{Msg: fmt.Sprintf("malformed %s: %v", path, err)}
	}

	// Merge with defaults: only apply a default when the key was not set.
	if raw.DefaultVariant != nil {
		settings.DefaultVariant = *raw.DefaultVariant
	}
	if raw.Jobs != nil {
		settings.Jobs = *raw.Jobs
	}
	if raw.StageTimeout != nil {
		d, err := time.ParseDuration(*raw.StageTimeout)
		if err != nil {
			return settings, &ValidationError{Msg: fmt.Sprintf("stageTimeout: %v", err)}
		}
		settings.StageTimeout = d
	}
	if raw.MaxRetries != nil {
		settings.MaxRetries = *raw.MaxRetries
	}
	if raw.RetryDelay != nil {
		d, err := time.ParseDuration(*raw.RetryDelay)
		if err != nil {
			return settings, &ValidationError{Msg: fmt.Sprintf("retryDelay: %v", err)}
		}
		settings.RetryDelay = d
	}
	if raw.BuildDir != nil {
		settings.BuildDir = *raw.BuildDir
	}
	if len(raw.Passthrough) > 0 {
		settings.Passthrough = raw.Passthrough
	}
	for name, v := range raw.Variants {
		if v == nil {
			settings.Variants[name] = Variant{}
			continue
		}
		settings.Variants[name] = *v
	}

	return settings, nil
}
