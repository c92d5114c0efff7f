// Package history keeps a persistent ledger of finished runs in a
// local SQLite database. Only run metadata is stored; the per-run
// event log stays in the ephemeral directory and dies with it.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// RunRecord is one row of the ledger.
type RunRecord struct {
	ID        string
	Target    string
	Mode      string
	State     string
	Events    uint64
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
}

// TargetLine joins an argv into the stored display form.
func TargetLine(argv []string) string {
	return strings.Join(argv, " ")
}

// Store is a handle to the ledger database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	target     TEXT NOT NULL,
	mode       TEXT NOT NULL,
	state      TEXT NOT NULL,
	events     INTEGER NOT NULL DEFAULT 0,
	exit_code  INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	ended_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);
`

// Open opens (or creates) the ledger at path. The directory is created
// with 0700 since run targets can be sensitive.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one finished run.
func (s *Store) Record(rec RunRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, target, mode, state, events, exit_code, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Target, rec.Mode, rec.State, rec.Events, rec.ExitCode,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.EndedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("history: record run %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to n runs, newest first.
func (s *Store) Recent(n int) ([]RunRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, target, mode, state, events, exit_code, started_at, ended_at
		 FROM runs ORDER BY started_at DESC, id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var started, ended string
		if err := rows.Scan(&rec.ID, &rec.Target, &rec.Mode, &rec.State,
			&rec.Events, &rec.ExitCode, &started, &ended); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if rec.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("history: bad started_at for %s: %w", rec.ID, err)
		}
		if rec.EndedAt, err = time.Parse(time.RFC3339Nano, ended); err != nil {
			return nil, fmt.Errorf("history: bad ended_at for %s: %w", rec.ID, err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
