// Package manifest loads a user-defined pipeline from .ciro/pipeline.yaml.
// When no manifest exists, the caller falls back to the builtin pipeline.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	_ "embed"

	"github.com/kilnlabs/ciro/internal/config"
	"github.com/kilnlabs/ciro/internal/stage"
)

//go:embed schema.json
var pipelineSchema []byte

var (
	compiledSchema *gojsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func getSchema() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		loader := gojsonschema.NewBytesLoader(pipelineSchema)
		compiledSchema, compileErr = gojsonschema.NewSchema(loader)
	})
	return compiledSchema, compileErr
}

// ErrNotFound means the repository carries no pipeline manifest.
var ErrNotFound = errors.New("no pipeline manifest")

// rawStage mirrors one stage entry in pipeline.yaml.
type rawStage struct {
	Name            string            `yaml:"name" json:"name"`
	Needs           []string          `yaml:"needs,omitempty" json:"needs,omitempty"`
	Command         []string          `yaml:"command" json:"command"`
	Dir             string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env             map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Policy          string            `yaml:"policy,omitempty" json:"policy,omitempty"`
	Retries         int               `yaml:"retries,omitempty" json:"retries,omitempty"`
	Timeout         string            `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	DeviceExclusive bool              `yaml:"device_exclusive,omitempty" json:"device_exclusive,omitempty"`
}

type rawManifest struct {
	Version int        `yaml:"version,omitempty" json:"version,omitempty"`
	Stages  []rawStage `yaml:"stages" json:"stages"`
}

// Load reads and validates the pipeline manifest for the repository. It
// returns ErrNotFound when the file does not exist, and a
// config.ValidationError when the file exists but is invalid.
func Load(repoDir string, cfg config.RunConfig) ([]stage.Stage, error) {
	path := filepath.Join(repoDir, config.CiroDir, config.PipelineFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline manifest: %w", err)
	}
	return Parse(data, cfg)
}

// Parse decodes manifest bytes into stages. The document is checked against
// the embedded JSON schema before any field is interpreted.
func Parse(data []byte, cfg config.RunConfig) ([]stage.Stage, error) {
	// YAML in, JSON out: the schema validator only speaks JSON.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("pipeline manifest is not valid YAML: %v", err)}
	}
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("pipeline manifest is not representable as JSON: %v", err)}
	}

	schema, err := getSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling pipeline schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(jsonDoc))
	if err != nil {
		return nil, fmt.Errorf("validating pipeline manifest: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, &config.ValidationError{Msg: "invalid pipeline manifest:\n  " + strings.Join(msgs, "\n  ")}
	}

	var m rawManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &config.ValidationError{Msg: fmt.Sprintf("failed to decode pipeline manifest: %v", err)}
	}

	return buildStages(m, cfg)
}

func buildStages(m rawManifest, cfg config.RunConfig) ([]stage.Stage, error) {
	seen := make(map[string]bool, len(m.Stages))
	for _, rs := range m.Stages {
		if seen[rs.Name] {
			return nil, &config.ValidationError{Msg: fmt.Sprintf("pipeline manifest declares stage %q twice", rs.Name)}
		}
		seen[rs.Name] = true
	}

	stages := make([]stage.Stage, 0, len(m.Stages))
	for _, rs := range m.Stages {
		for _, dep := range rs.Needs {
			if !seen[dep] {
				return nil, &config.ValidationError{Msg: fmt.Sprintf("stage %q needs unknown stage %q", rs.Name, dep)}
			}
		}

		s := stage.Stage{
			Name:            rs.Name,
			Needs:           rs.Needs,
			Program:         rs.Command[0],
			Args:            rs.Command[1:],
			Dir:             rs.Dir,
			Env:             rs.Env,
			Policy:          stage.Policy(rs.Policy),
			Retries:         rs.Retries,
			DeviceExclusive: rs.DeviceExclusive,
		}
		if s.Policy == "" {
			s.Policy = stage.PolicyFatal
		}
		if s.Policy == stage.PolicyRetryThenFatal && s.Retries == 0 {
			s.Retries = cfg.MaxRetries
		}
		if s.Dir == "" {
			s.Dir = cfg.RepoDir
		} else if !filepath.IsAbs(s.Dir) {
			s.Dir = filepath.Join(cfg.RepoDir, s.Dir)
		}
		if rs.Timeout != "" {
			d, err := time.ParseDuration(rs.Timeout)
			if err != nil {
				return nil, &config.ValidationError{Msg: fmt.Sprintf("stage %q has invalid timeout %q", rs.Name, rs.Timeout)}
			}
			s.Timeout = d
		}
		stages = append(stages, s)
	}
	return stages, nil
}
