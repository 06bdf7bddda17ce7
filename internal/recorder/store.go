// Package recorder implements the call history audit log: a CallObserver
// that watches TU pairing lifecycle events and persists one row per
// completed or abandoned call to an embedded SQLite database, following
// the same sql.DB-over-modernc.org/sqlite pattern the rest of the
// flowpbx family uses for its own datastore.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// CDR is one call detail record: a completed or abandoned pairing between
// two extensions.
type CDR struct {
	ID          int64
	CallerExt   int
	CalleeExt   int
	StartedAt   time.Time
	AnsweredAt  sql.NullTime
	EndedAt     time.Time
	Disposition string // answered, no_answer, busy, error, cancelled
}

// Store wraps a sql.DB connection holding the cdrs table.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite CDR database at path, creating parent
// directories and the schema as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating cdr data directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cdr database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging cdr database: %w", err)
	}
	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating cdr database: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS cdrs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		caller_ext INTEGER NOT NULL,
		callee_ext INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		answered_at DATETIME,
		ended_at DATETIME NOT NULL,
		disposition TEXT NOT NULL
	)`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert appends one CDR row.
func (s *Store) Insert(ctx context.Context, cdr CDR) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cdrs (caller_ext, callee_ext, started_at, answered_at, ended_at, disposition)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cdr.CallerExt, cdr.CalleeExt, cdr.StartedAt, cdr.AnsweredAt, cdr.EndedAt, cdr.Disposition,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}
	return nil
}

// List returns up to limit CDRs ordered newest-first, skipping offset rows.
func (s *Store) List(ctx context.Context, limit, offset int) ([]CDR, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, caller_ext, callee_ext, started_at, answered_at, ended_at, disposition
		 FROM cdrs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying cdrs: %w", err)
	}
	defer rows.Close()

	var out []CDR
	for rows.Next() {
		var c CDR
		if err := rows.Scan(&c.ID, &c.CallerExt, &c.CalleeExt, &c.StartedAt, &c.AnsweredAt, &c.EndedAt, &c.Disposition); err != nil {
			return nil, fmt.Errorf("scanning cdr row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
