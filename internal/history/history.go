// Package history archives finished runs in a local SQLite database so
// past results survive state log cleanup and stay queryable.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	target      TEXT NOT NULL,
	variant     TEXT NOT NULL,
	commit_sha  TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	exit_code   INTEGER NOT NULL,
	stages_run  INTEGER NOT NULL,
	stages_failed INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
`

// Entry is one archived run.
type Entry struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   time.Time
	Target       string
	Variant      string
	Commit       string
	State        string
	ExitCode     int
	StagesRun    int
	StagesFailed int
}

// Store is an open run archive.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the archive at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// One writer at a time; the archive is touched once per run.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the archive.
func (s *Store) Close() error { return s.db.Close() }

// Record archives one finished run.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, finished_at, target, variant, commit_sha,
		                  state, exit_code, stages_run, stages_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.StartedAt.UTC().Format(time.RFC3339Nano),
		e.FinishedAt.UTC().Format(time.RFC3339Nano),
		e.Target, e.Variant, e.Commit,
		e.State, e.ExitCode, e.StagesRun, e.StagesFailed,
	)
	if err != nil {
		return fmt.Errorf("failed to archive run %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit archived runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, target, variant, commit_sha,
		       state, exit_code, stages_run, stages_failed
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var started, finished string
		if err := rows.Scan(&e.ID, &started, &finished, &e.Target, &e.Variant,
			&e.Commit, &e.State, &e.ExitCode, &e.StagesRun, &e.StagesFailed); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		e.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
