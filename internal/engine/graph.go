package engine

import (
	"fmt"

	"github.com/kilnlabs/ciro/internal/stage"
)

// validate checks the stage list forms a well-defined pipeline: unique
// names, known dependencies, no self-references, no cycles.
func validate(stages []stage.Stage) error {
	byName := make(map[string][]string, len(stages))
	for _, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("stage with empty name")
		}
		if _, ok := byName[s.Name]; ok {
			return fmt.Errorf("duplicate stage name: %s", s.Name)
		}
		byName[s.Name] = s.Needs
	}

	for _, s := range stages {
		for _, dep := range s.Needs {
			if dep == s.Name {
				return fmt.Errorf("stage %s depends on itself", s.Name)
			}
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("stage %s depends on unknown stage %s", s.Name, dep)
			}
		}
	}

	return detectCycles(byName)
}

// detectCycles runs a depth-first search with three node sets:
// permanent (fully visited, known safe), temporary (in the current
// recursion stack), and unvisited.
func detectCycles(deps map[string][]string) error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if permanent[name] {
			return nil
		}
		if temporary[name] {
			return fmt.Errorf("dependency cycle detected involving stage %q", name)
		}

		temporary[name] = true
		for _, dep := range deps[name] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(temporary, name)
		permanent[name] = true
		return nil
	}

	for name := range deps {
		if !permanent[name] {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}
