package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	ciroDir := filepath.Join(dir, CiroDir)
	if err := os.MkdirAll(ciroDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ciroDir, ConfigFile), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	settings, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if settings.DefaultVariant != "cpu" {
		t.Errorf("DefaultVariant = %q, want cpu", settings.DefaultVariant)
	}
	if settings.Jobs != 1 {
		t.Errorf("Jobs = %d, want 1", settings.Jobs)
	}
	if settings.StageTimeout != 30*time.Minute {
		t.Errorf("StageTimeout = %v, want 30m", settings.StageTimeout)
	}
}

func TestLoadMergesWithDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
defaultVariant: rocm
stageTimeout: 45m
variants:
  rocm:
    device: "0"
    env:
      ROCM_PATH: /opt/rocm
    cmakeDefines:
      - -DGPU_TARGETS=gfx90a
`)

	settings, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if settings.DefaultVariant != "rocm" {
		t.Errorf("DefaultVariant = %q, want rocm", settings.DefaultVariant)
	}
	if settings.StageTimeout != 45*time.Minute {
		t.Errorf("StageTimeout = %v, want 45m", settings.StageTimeout)
	}
	// Unset keys keep their defaults.
	if settings.Jobs != 1 {
		t.Errorf("Jobs = %d, want default 1", settings.Jobs)
	}
	// The builtin cpu variant survives alongside configured ones.
	if _, ok := settings.Variants["cpu"]; !ok {
		t.Error("cpu variant missing after merge")
	}
	rocm, ok := settings.Variants["rocm"]
	if !ok {
		t.Fatal("rocm variant missing")
	}
	if rocm.Env["ROCM_PATH"] != "/opt/rocm" {
		t.Errorf("rocm env = %v", rocm.Env)
	}
	if rocm.Device != "0" {
		t.Errorf("rocm device = %q, want 0", rocm.Device)
	}
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "defaultVariant: [broken")

	_, err := Load(dir)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Load() error = %v, want *ValidationError", err)
	}
}

func TestLoadBadDuration(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "stageTimeout: soon")

	_, err := Load(dir)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Load() error = %v, want *ValidationError", err)
	}
}

func TestBuildTargetRef(t *testing.T) {
	tests := []struct {
		name       string
		opts       Options
		wantRef    string
		wantPR     bool
		wantErr    bool
		wantPrereq bool
	}{
		{
			name:    "defaults to current",
			opts:    Options{},
			wantRef: "current",
		},
		{
			name:    "bare numeric positional is a PR",
			opts:    Options{Positional: []string{"1234"}},
			wantRef: "1234",
			wantPR:  true,
		},
		{
			name:    "branch flag",
			opts:    Options{Branch: "feature/fp8-gemm"},
			wantRef: "feature/fp8-gemm",
		},
		{
			name:    "PR and branch conflict",
			opts:    Options{Positional: []string{"1234"}, Branch: "main"},
			wantErr: true,
		},
		{
			name:    "non-numeric positional rejected",
			opts:    Options{Positional: []string{"not-a-pr"}},
			wantErr: true,
		},
		{
			name:    "too many positionals",
			opts:    Options{Positional: []string{"1", "2"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.RepoDir = t.TempDir()
			cfg, err := Build(tt.opts, DefaultSettings())
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("Build() error = %v, want *ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if cfg.TargetRef != tt.wantRef {
				t.Errorf("TargetRef = %q, want %q", cfg.TargetRef, tt.wantRef)
			}
			if cfg.IsPR != tt.wantPR {
				t.Errorf("IsPR = %v, want %v", cfg.IsPR, tt.wantPR)
			}
		})
	}
}

func TestBuildUnknownVariant(t *testing.T) {
	_, err := Build(Options{RepoDir: t.TempDir(), Variant: "tpu"}, DefaultSettings())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Build() error = %v, want *ValidationError", err)
	}
}

func TestBuildMissingRepo(t *testing.T) {
	_, err := Build(Options{RepoDir: filepath.Join(t.TempDir(), "nope")}, DefaultSettings())
	var perr *PrereqError
	if !errors.As(err, &perr) {
		t.Fatalf("Build() error = %v, want *PrereqError", err)
	}
	if perr.What != "repository" {
		t.Errorf("What = %q, want repository", perr.What)
	}
}

func TestBuildBuildDirRelativeToRepo(t *testing.T) {
	repo := t.TempDir()
	cfg, err := Build(Options{RepoDir: repo}, DefaultSettings())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := filepath.Join(repo, "build")
	if cfg.BuildDir != want {
		t.Errorf("BuildDir = %q, want %q", cfg.BuildDir, want)
	}
}

func TestBuildFlagOverridesSettings(t *testing.T) {
	settings := DefaultSettings()
	settings.Jobs = 2

	cfg, err := Build(Options{RepoDir: t.TempDir(), Jobs: 4, Timeout: time.Minute}, settings)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if cfg.Jobs != 4 {
		t.Errorf("Jobs = %d, want 4", cfg.Jobs)
	}
	if cfg.StageTimeout != time.Minute {
		t.Errorf("StageTimeout = %v, want 1m", cfg.StageTimeout)
	}
}

func TestBaseEnvPassthrough(t *testing.T) {
	t.Setenv("CIRO_TEST_PASSTHROUGH", "yes")

	cfg := RunConfig{Passthrough: []string{"CIRO_TEST_PASSTHROUGH", "CIRO_TEST_UNSET"}}
	base := cfg.BaseEnv()

	if base["CIRO_TEST_PASSTHROUGH"] != "yes" {
		t.Errorf("passthrough value = %q, want yes", base["CIRO_TEST_PASSTHROUGH"])
	}
	if _, ok := base["CIRO_TEST_UNSET"]; ok {
		t.Error("unset variable must not appear in base env")
	}
}

func TestLabel(t *testing.T) {
	pr := RunConfig{TargetRef: "42", IsPR: true}
	if pr.Label() != "PR #42" {
		t.Errorf("Label() = %q", pr.Label())
	}
	branch := RunConfig{TargetRef: "develop"}
	if branch.Label() != "develop" {
		t.Errorf("Label() = %q", branch.Label())
	}
}
