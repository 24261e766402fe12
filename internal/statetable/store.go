// Package statetable implements the authoritative task ledger: one row per
// task, keyed by task_id, with a partitioned secondary index over
// (logical_state, partition) so the reclaimer can page through expired
// leases one partition at a time without serializing behind whatever
// session happens to be hottest.
package statetable

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed implementation of the task ledger.
type Store struct {
	db *sql.DB
}

// Open creates or attaches to the database at path, configures WAL +
// synchronous pragmas, and applies the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("statetable: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("statetable: create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("statetable: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB wraps an already-open *sql.DB (used by tests and by callers that
// share one database handle between the state table and the task queue).
func OpenDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("statetable: set pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id                        TEXT PRIMARY KEY,
	session_id                     TEXT NOT NULL,
	parent_session_id              TEXT NOT NULL DEFAULT '',
	state                          TEXT NOT NULL,
	partition                      INTEGER NOT NULL,
	stored_state                   TEXT NOT NULL,
	owner                          TEXT NOT NULL DEFAULT 'NONE',
	queue_handle                   TEXT NOT NULL DEFAULT '',
	heartbeat_expiration_epoch_sec INTEGER NOT NULL DEFAULT 0,
	retries                        INTEGER NOT NULL DEFAULT 0,
	priority                       INTEGER NOT NULL DEFAULT 0,
	submission_epoch_millis        INTEGER NOT NULL DEFAULT 0,
	completion_epoch_millis        INTEGER NOT NULL DEFAULT 0,
	definition                     BLOB
);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_stored_state ON tasks(stored_state, heartbeat_expiration_epoch_sec);
`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("statetable: init schema: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using bounded
// exponential backoff with jitter on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 20 * time.Millisecond
	const maxDelay = 250 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Int64N(int64(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}
