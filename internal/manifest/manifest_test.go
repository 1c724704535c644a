package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kilnlabs/ciro/internal/config"
	"github.com/kilnlabs/ciro/internal/stage"
)

func testCfg(t *testing.T) config.RunConfig {
	t.Helper()
	return config.RunConfig{
		RepoDir:    t.TempDir(),
		MaxRetries: 2,
	}
}

func TestParseMinimal(t *testing.T) {
	doc := []byte(`
stages:
  - name: build
    command: [make, all]
  - name: test
    needs: [build]
    command: [make, check]
`)
	cfg := testCfg(t)
	stages, err := Parse(doc, cfg)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(stages) != 2 {
		t.Fatalf("got %d stages, want 2", len(stages))
	}
	s := stages[0]
	if s.Name != "build" || s.Program != "make" || len(s.Args) != 1 || s.Args[0] != "all" {
		t.Errorf("stage = %+v", s)
	}
	if s.Policy != stage.PolicyFatal {
		t.Errorf("Policy = %q, want fatal default", s.Policy)
	}
	if s.Dir != cfg.RepoDir {
		t.Errorf("Dir = %q, want repo root default", s.Dir)
	}
	if stages[1].Needs[0] != "build" {
		t.Errorf("needs = %v", stages[1].Needs)
	}
}

func TestParseFullStage(t *testing.T) {
	doc := []byte(`
version: 1
stages:
  - name: deps
    command: [pip, install, -r, requirements.txt]
    dir: python
    env:
      PIP_NO_CACHE_DIR: "1"
    policy: retry-then-fatal
    retries: 3
    timeout: 10m
    device_exclusive: true
`)
	cfg := testCfg(t)
	stages, err := Parse(doc, cfg)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	s := stages[0]
	if s.Policy != stage.PolicyRetryThenFatal || s.Retries != 3 {
		t.Errorf("policy/retries = %q/%d", s.Policy, s.Retries)
	}
	if s.Timeout != 10*time.Minute {
		t.Errorf("Timeout = %v, want 10m", s.Timeout)
	}
	if !s.DeviceExclusive {
		t.Error("DeviceExclusive not carried through")
	}
	if s.Env["PIP_NO_CACHE_DIR"] != "1" {
		t.Errorf("Env = %v", s.Env)
	}
	if want := filepath.Join(cfg.RepoDir, "python"); s.Dir != want {
		t.Errorf("Dir = %q, want %q", s.Dir, want)
	}
}

func TestParseRetryDefaultsFromConfig(t *testing.T) {
	doc := []byte(`
stages:
  - name: deps
    command: [pip, install]
    policy: retry-then-fatal
`)
	stages, err := Parse(doc, testCfg(t))
	if err != nil {
		t.Fatal(err)
	}
	if stages[0].Retries != 2 {
		t.Errorf("Retries = %d, want config default 2", stages[0].Retries)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing command",
			doc: `
stages:
  - name: build
`,
			want: "command",
		},
		{
			name: "bad policy",
			doc: `
stages:
  - name: build
    command: [make]
    policy: ignore
`,
			want: "policy",
		},
		{
			name: "bad stage name",
			doc: `
stages:
  - name: "Build Stage"
    command: [make]
`,
			want: "name",
		},
		{
			name: "duplicate stage",
			doc: `
stages:
  - name: build
    command: [make]
  - name: build
    command: [make]
`,
			want: "twice",
		},
		{
			name: "unknown dependency",
			doc: `
stages:
  - name: test
    needs: [build]
    command: [make, check]
`,
			want: "unknown stage",
		},
		{
			name: "unknown top-level key",
			doc: `
stages:
  - name: build
    command: [make]
workers: 4
`,
			want: "workers",
		},
		{
			name: "not yaml",
			doc:  "stages: [\n",
			want: "YAML",
		},
		{
			name: "empty stages",
			doc:  "stages: []",
			want: "stages",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), testCfg(t))
			var verr *config.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Parse() error = %v, want *config.ValidationError", err)
			}
			if !strings.Contains(strings.ToLower(verr.Msg), strings.ToLower(tt.want)) {
				t.Errorf("error %q does not mention %q", verr.Msg, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	cfg := testCfg(t)

	t.Run("absent manifest", func(t *testing.T) {
		_, err := Load(cfg.RepoDir, cfg)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Load() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("present manifest", func(t *testing.T) {
		dir := filepath.Join(cfg.RepoDir, config.CiroDir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		doc := "stages:\n  - name: build\n    command: [make]\n"
		if err := os.WriteFile(filepath.Join(dir, config.PipelineFile), []byte(doc), 0644); err != nil {
			t.Fatal(err)
		}

		stages, err := Load(cfg.RepoDir, cfg)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if len(stages) != 1 || stages[0].Name != "build" {
			t.Errorf("stages = %+v", stages)
		}
	})
}
