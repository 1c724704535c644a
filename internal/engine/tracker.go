package engine

import (
	"sync"

	"github.com/kilnlabs/ciro/internal/stage"
	"github.com/kilnlabs/ciro/internal/state"
)

// tracker holds per-stage outcomes for the current run. It is the only
// mutable structure shared between workers in parallel mode.
type tracker struct {
	mu       sync.Mutex
	statuses map[string]state.Status
	allowed  map[string]bool // stages skipped by flag/predicate, not failure
	outcomes map[string]StageOutcome
	first    *StageOutcome
}

func newTracker(stages []stage.Stage) *tracker {
	tr := &tracker{
		statuses: make(map[string]state.Status, len(stages)),
		allowed:  make(map[string]bool),
		outcomes: make(map[string]StageOutcome, len(stages)),
	}
	for _, s := range stages {
		tr.statuses[s.Name] = state.StatusPending
	}
	return tr
}

func (t *tracker) status(name string) (state.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.statuses[name]
	return st, ok
}

func (t *tracker) skipAllowed(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowed[name]
}

func (t *tracker) record(o StageOutcome, skipByFlag bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[o.Name] = o.Status
	t.outcomes[o.Name] = o
	if skipByFlag {
		t.allowed[o.Name] = true
	}
}

// markFirst remembers the first fatal failure for error reporting.
func (t *tracker) markFirst(o StageOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.first == nil {
		t.first = &o
	}
}

// ordered returns outcomes in declaration order. Stages the run never
// reached appear as pending.
func (t *tracker) ordered(stages []stage.Stage) []StageOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]StageOutcome, 0, len(stages))
	for _, s := range stages {
		if o, ok := t.outcomes[s.Name]; ok {
			out = append(out, o)
			continue
		}
		out = append(out, StageOutcome{Name: s.Name, Status: state.StatusPending})
	}
	return out
}
