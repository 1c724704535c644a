package stage

import (
	"path/filepath"
	"testing"

	"github.com/kilnlabs/ciro/internal/config"
)

func testConfig() config.RunConfig {
	return config.RunConfig{
		RepoDir:    "/work/rocblas",
		BuildDir:   "/work/rocblas/build",
		Variant:    "rocm",
		Device:     "0",
		Defines:    []string{"-DGPU_TARGETS=gfx90a"},
		MaxRetries: 1,
	}
}

func stageByName(t *testing.T, stages []Stage, name string) Stage {
	t.Helper()
	for _, s := range stages {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("stage %q not found", name)
	return Stage{}
}

func TestBuiltinOrderAndDependencies(t *testing.T) {
	stages := Builtin(testConfig())

	wantOrder := []string{Venv, Deps, DepsOptional, Configure, Build, UnitTests, Examples, Benchmarks}
	if len(stages) != len(wantOrder) {
		t.Fatalf("got %d stages, want %d", len(stages), len(wantOrder))
	}
	for i, name := range wantOrder {
		if stages[i].Name != name {
			t.Errorf("stage[%d] = %q, want %q", i, stages[i].Name, name)
		}
	}

	tests := []struct {
		name  string
		needs []string
	}{
		{Venv, nil},
		{Deps, []string{Venv}},
		{Configure, []string{Deps}},
		{Build, []string{Configure}},
		{UnitTests, []string{Build}},
		{Benchmarks, []string{Build}},
	}
	for _, tt := range tests {
		s := stageByName(t, stages, tt.name)
		if len(s.Needs) != len(tt.needs) {
			t.Errorf("%s needs = %v, want %v", tt.name, s.Needs, tt.needs)
			continue
		}
		for i := range tt.needs {
			if s.Needs[i] != tt.needs[i] {
				t.Errorf("%s needs = %v, want %v", tt.name, s.Needs, tt.needs)
			}
		}
	}
}

func TestBuiltinPolicies(t *testing.T) {
	stages := Builtin(testConfig())

	tests := []struct {
		name   string
		policy Policy
	}{
		{Venv, PolicyFatal},
		{Deps, PolicyRetryThenFatal},
		{DepsOptional, PolicyWarnContinue},
		{Configure, PolicyFatal},
		{Build, PolicyFatal},
		{UnitTests, PolicyFatal},
		{Examples, PolicyWarnContinue},
		{Benchmarks, PolicyWarnContinue},
	}
	for _, tt := range tests {
		if got := stageByName(t, stages, tt.name).Policy; got != tt.policy {
			t.Errorf("%s policy = %q, want %q", tt.name, got, tt.policy)
		}
	}
}

func TestBuiltinDeviceExclusivity(t *testing.T) {
	stages := Builtin(testConfig())

	exclusive := map[string]bool{
		UnitTests:  true,
		Examples:   true,
		Benchmarks: true,
	}
	for _, s := range stages {
		if s.DeviceExclusive != exclusive[s.Name] {
			t.Errorf("%s DeviceExclusive = %v, want %v", s.Name, s.DeviceExclusive, exclusive[s.Name])
		}
	}
}

func TestBuiltinSkipPredicates(t *testing.T) {
	cfg := testConfig()
	cfg.SkipExamples = true
	cfg.SkipBenchmarks = true

	stages := Builtin(cfg)

	if !stageByName(t, stages, Examples).Skip(cfg) {
		t.Error("examples should be skipped")
	}
	if !stageByName(t, stages, Benchmarks).Skip(cfg) {
		t.Error("benchmarks should be skipped")
	}
	if stageByName(t, stages, UnitTests).Skip(cfg) {
		t.Error("unit_tests should not be skipped")
	}
	if s := stageByName(t, stages, Venv); s.Skip != nil && s.Skip(cfg) {
		t.Error("venv should never be skipped")
	}
}

func TestBuiltinCommandsUseConfiguredPaths(t *testing.T) {
	cfg := testConfig()
	stages := Builtin(cfg)

	deps := stageByName(t, stages, Deps)
	wantPip := filepath.Join(cfg.BuildDir, ".venv", "bin", "pip")
	if deps.Program != wantPip {
		t.Errorf("deps program = %q, want %q", deps.Program, wantPip)
	}
	if deps.Retries != 1 {
		t.Errorf("deps retries = %d, want 1", deps.Retries)
	}

	configure := stageByName(t, stages, Configure)
	found := false
	for _, arg := range configure.Args {
		if arg == "-DGPU_TARGETS=gfx90a" {
			found = true
		}
	}
	if !found {
		t.Errorf("configure args missing variant define: %v", configure.Args)
	}

	unit := stageByName(t, stages, UnitTests)
	if unit.Env["CIRO_DEVICE"] != "0" {
		t.Errorf("unit_tests env = %v, want CIRO_DEVICE=0", unit.Env)
	}
}
