// Package state persists the pipeline run log.
//
// Each run writes one JSONL file under <build-dir>/.ciro/runs/. The file is
// append-only and flushed after every transition, so a killed process
// leaves a complete record of everything that finished before it died. A
// later invocation replays the file to resume or inspect the run.
package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Status of one stage within a run.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether a status is final for the run.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// Header is the first record of a run log.
type Header struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	Variant   string    `json:"variant"`
	TargetRef string    `json:"targetRef"`
	Label     string    `json:"label,omitempty"`
	Commit    string    `json:"commit,omitempty"`
}

// Transition is one stage state change.
type Transition struct {
	Stage      string    `json:"stage"`
	Status     Status    `json:"status"`
	ExitCode   int       `json:"exitCode,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	At         time.Time `json:"at"`
	Cause      string    `json:"cause,omitempty"`
}

// record is one JSONL line: a run header or a stage transition.
type record struct {
	Type  string      `json:"type"` // "run" | "stage"
	Run   *Header     `json:"run,omitempty"`
	Stage *Transition `json:"stage,omitempty"`
}

// PersistError reports a failed state log write. Losing state silently
// would undermine resumability, so the engine treats this as fatal.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to persist state to %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Log is the open, append-only state log of the current run.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
	last map[string]Status
}

// Open creates a new run log under dir and writes the header record.
func Open(dir string, hdr Header) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, &PersistError{Path: dir, Err: err}
	}

	name := fmt.Sprintf("%s-%s.jsonl", hdr.StartedAt.UTC().Format("20060102-150405"), hdr.RunID)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0644)
	if err != nil {
		return nil, &PersistError{Path: path, Err: err}
	}

	log := &Log{f: f, path: path, last: make(map[string]Status)}
	if err := log.write(record{Type: "run", Run: &hdr}); err != nil {
		f.Close()
		return nil, err
	}
	return log, nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Append records a stage transition and flushes it to disk before
// returning. Transitions are monotonic: once a stage reaches a terminal
// status, further transitions for it are rejected.
func (l *Log) Append(t Transition) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.last[t.Stage]; ok && prev.Terminal() {
		return fmt.Errorf("stage %s already %s, refusing transition to %s", t.Stage, prev, t.Status)
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}

	if err := l.write(record{Type: "stage", Stage: &t}); err != nil {
		return err
	}
	l.last[t.Stage] = t.Status
	return nil
}

func (l *Log) write(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &PersistError{Path: l.path, Err: err}
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return &PersistError{Path: l.path, Err: err}
	}
	if err := l.f.Sync(); err != nil {
		return &PersistError{Path: l.path, Err: err}
	}
	return nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// RunLog is a fully replayed state log.
type RunLog struct {
	Header      Header
	Transitions []Transition
}

// Snapshot returns the last recorded status per stage.
func (r *RunLog) Snapshot() map[string]Transition {
	snap := make(map[string]Transition)
	for _, t := range r.Transitions {
		snap[t.Stage] = t
	}
	return snap
}

// Load replays a run log from disk. A truncated trailing line (interrupted
// write) is tolerated; everything before it is returned.
func Load(path string) (*RunLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state log: %w", err)
	}
	defer f.Close()

	run := &RunLog{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Interrupted final write; keep the valid prefix.
			break
		}
		switch {
		case rec.Type == "run" && rec.Run != nil:
			if !first {
				return nil, fmt.Errorf("state log %s has a second run header", path)
			}
			run.Header = *rec.Run
		case rec.Type == "stage" && rec.Stage != nil:
			run.Transitions = append(run.Transitions, *rec.Stage)
		}
		first = false
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read state log: %w", err)
	}
	if run.Header.RunID == "" {
		return nil, fmt.Errorf("state log %s has no run header", path)
	}
	return run, nil
}

// Latest returns the path of the most recent run log in dir, or an error
// when none exists. File names sort chronologically by construction.
func Latest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("no previous runs: %w", err)
	}

	var logs []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".jsonl" {
			logs = append(logs, e.Name())
		}
	}
	if len(logs) == 0 {
		return "", fmt.Errorf("no previous runs in %s", dir)
	}
	sort.Strings(logs)
	return filepath.Join(dir, logs[len(logs)-1]), nil
}
