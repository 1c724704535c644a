package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	runs := []Entry{
		{ID: "run-a", StartedAt: base, FinishedAt: base.Add(12 * time.Minute),
			Target: "main", Variant: "cpu", State: "completed", StagesRun: 8},
		{ID: "run-b", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(70 * time.Minute),
			Target: "PR #42", Variant: "rocm", Commit: "abc1234",
			State: "aborted", ExitCode: 2, StagesRun: 5, StagesFailed: 1},
	}
	for _, e := range runs {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record(%s) error = %v", e.ID, err)
		}
	}

	got, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "run-b" || got[1].ID != "run-a" {
		t.Errorf("order = %s, %s; want run-b, run-a", got[0].ID, got[1].ID)
	}
	if got[0].ExitCode != 2 || got[0].StagesFailed != 1 {
		t.Errorf("run-b = %+v", got[0])
	}
	if !got[1].StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", got[1].StartedAt, base)
	}
}

func TestRecentLimit(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := Entry{
			ID:        string(rune('a' + i)),
			StartedAt: time.Now().Add(time.Duration(i) * time.Minute),
			State:     "completed",
		}
		if err := store.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.Recent(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("got %d entries, want 3", len(got))
	}
}

func TestDuplicateRunIDRejected(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	e := Entry{ID: "run-a", StartedAt: time.Now(), State: "completed"}
	if err := store.Record(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, e); err == nil {
		t.Error("second Record with the same ID should fail")
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	e := Entry{ID: "run-a", StartedAt: time.Now(), State: "completed"}
	if err := store.Record(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	store.Close()

	store, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	got, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "run-a" {
		t.Errorf("entries after reopen = %+v", got)
	}
}
