package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testHeader() Header {
	return Header{
		RunID:     "a1b2c3d4",
		StartedAt: time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC),
		Variant:   "rocm",
		TargetRef: "1234",
		Label:     "PR #1234",
		Commit:    "deadbeef",
	}
}

func TestOpenAppendLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir, testHeader())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	transitions := []Transition{
		{Stage: "build", Status: StatusRunning, Attempt: 1},
		{Stage: "build", Status: StatusSuccess, ExitCode: 0, DurationMs: 1500},
		{Stage: "unit_tests", Status: StatusRunning, Attempt: 1},
		{Stage: "unit_tests", Status: StatusFailed, ExitCode: 2, Cause: "exit code 2"},
	}
	for _, tr := range transitions {
		if err := log.Append(tr); err != nil {
			t.Fatalf("Append(%v) error = %v", tr, err)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	run, err := Load(log.Path())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if run.Header.RunID != "a1b2c3d4" {
		t.Errorf("RunID = %q", run.Header.RunID)
	}
	if run.Header.Commit != "deadbeef" {
		t.Errorf("Commit = %q", run.Header.Commit)
	}
	if len(run.Transitions) != len(transitions) {
		t.Fatalf("got %d transitions, want %d", len(run.Transitions), len(transitions))
	}

	snap := run.Snapshot()
	if snap["build"].Status != StatusSuccess {
		t.Errorf("build status = %q, want success", snap["build"].Status)
	}
	if snap["unit_tests"].Status != StatusFailed {
		t.Errorf("unit_tests status = %q, want failed", snap["unit_tests"].Status)
	}
	if snap["unit_tests"].ExitCode != 2 {
		t.Errorf("unit_tests exit code = %d, want 2", snap["unit_tests"].ExitCode)
	}
}

func TestAppendRejectsTerminalRegression(t *testing.T) {
	log, err := Open(t.TempDir(), testHeader())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	if err := log.Append(Transition{Stage: "build", Status: StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := log.Append(Transition{Stage: "build", Status: StatusPending}); err == nil {
		t.Error("expected error when regressing a terminal stage to pending")
	}
	if err := log.Append(Transition{Stage: "build", Status: StatusRunning}); err == nil {
		t.Error("expected error when re-running a terminal stage")
	}
}

func TestAppendAllowsRetryAttempts(t *testing.T) {
	log, err := Open(t.TempDir(), testHeader())
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()

	// Retries appear as repeated running transitions before the terminal one.
	for attempt := 1; attempt <= 3; attempt++ {
		if err := log.Append(Transition{Stage: "deps", Status: StatusRunning, Attempt: attempt}); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
	}
	if err := log.Append(Transition{Stage: "deps", Status: StatusSuccess, Attempt: 3}); err != nil {
		t.Fatal(err)
	}
}

func TestLoadToleratesTruncatedTail(t *testing.T) {
	log, err := Open(t.TempDir(), testHeader())
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Append(Transition{Stage: "venv", Status: StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	log.Close()

	// Simulate a crash mid-write.
	f, err := os.OpenFile(log.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"type":"stage","stage":{"stage":"bui`)
	f.Close()

	run, err := Load(log.Path())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(run.Transitions) != 1 {
		t.Fatalf("got %d transitions, want 1", len(run.Transitions))
	}
	if run.Transitions[0].Stage != "venv" {
		t.Errorf("stage = %q, want venv", run.Transitions[0].Stage)
	}
}

func TestLoadRejectsHeaderlessLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jsonl")
	if err := os.WriteFile(path, []byte(`{"type":"stage","stage":{"stage":"x","status":"success"}}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for log without run header")
	}
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()

	if _, err := Latest(dir); err == nil {
		t.Error("expected error for empty runs dir")
	}

	early := testHeader()
	early.RunID = "run-early"
	late := testHeader()
	late.RunID = "run-late"
	late.StartedAt = early.StartedAt.Add(time.Hour)

	for _, hdr := range []Header{early, late} {
		log, err := Open(dir, hdr)
		if err != nil {
			t.Fatal(err)
		}
		log.Close()
	}

	latest, err := Latest(dir)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if !strings.Contains(latest, "run-late") {
		t.Errorf("Latest() = %q, want the later run", latest)
	}
}

func TestLogLinesAreHumanReadableJSON(t *testing.T) {
	log, err := Open(t.TempDir(), testHeader())
	if err != nil {
		t.Fatal(err)
	}
	log.Append(Transition{Stage: "build", Status: StatusRunning, Attempt: 1})
	log.Close()

	data, err := os.ReadFile(log.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"type":"run"`) {
		t.Errorf("header line = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"stage":"build"`) {
		t.Errorf("stage line = %s", lines[1])
	}
}
