// Package envctx builds the environment a stage command runs with.
//
// An Env is composed once per stage from ordered layers (base, variant,
// stage overrides) and is never mutated afterwards. Values are opaque
// strings; ciro passes them through without parsing.
package envctx

import (
	"fmt"
	"sort"

	"github.com/joho/godotenv"
)

// Env is an immutable set of environment variables for one stage invocation.
type Env struct {
	vars map[string]string
}

// Compose merges the given layers in order. Later layers overwrite earlier
// ones on key collision. The input maps are not modified.
func Compose(layers ...map[string]string) Env {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return Env{vars: merged}
}

// FileLayer reads a dotenv-style file and returns its contents as a layer.
func FileLayer(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return vars, nil
}

// Get returns the value for key and whether it is set.
func (e Env) Get(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Len returns the number of variables in the environment.
func (e Env) Len() int {
	return len(e.vars)
}

// Environ renders the environment as sorted KEY=VALUE pairs, the form
// expected by os/exec. Sorting keeps the rendering deterministic.
func (e Env) Environ() []string {
	pairs := make([]string, 0, len(e.vars))
	for k, v := range e.vars {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

// Map returns a copy of the underlying variables.
func (e Env) Map() map[string]string {
	out := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}
