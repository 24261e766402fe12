// Package taskqueue implements the message-dispatch primitive tasks flow
// through between submission and claim: per-message invisibility leases,
// handle-based acks, and independent priority subqueues. It shares no
// tables with the state table — the two are independently-reasoned-about
// collaborators connected only by the task_id/handle the caller threads
// through both.
package taskqueue

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// MaxSendBatch bounds how many messages Send will accept in one call; the
// submitter chunks larger batches itself.
const MaxSendBatch = 10

// Message is one in-flight queue entry returned by Receive.
type Message struct {
	Handle   string
	Body     []byte
	Priority int
}

// Queue is a SQLite-backed priority task queue: one subqueue per priority
// tier, FIFO within a tier, with per-message invisibility leases.
type Queue struct {
	db *sql.DB
}

// Open creates or attaches to the database at path.
func Open(path string) (*Queue, error) {
	if path == "" {
		return nil, fmt.Errorf("taskqueue: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("taskqueue: create db directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return OpenDB(db)
}

// OpenDB wraps an already-open *sql.DB, e.g. one shared with the state
// table's Store when both live in the same SQLite file.
func OpenDB(db *sql.DB) (*Queue, error) {
	q := &Queue{db: db}
	ctx := context.Background()
	pragmas := []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return nil, fmt.Errorf("taskqueue: set pragma %q: %w", p, err)
		}
	}
	const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	handle               TEXT PRIMARY KEY,
	priority             INTEGER NOT NULL,
	body                 BLOB NOT NULL,
	visible_at_epoch_sec INTEGER NOT NULL,
	enqueued_at_epoch_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_priority_visible ON queue_messages(priority, visible_at_epoch_sec, enqueued_at_epoch_ms);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("taskqueue: init schema: %w", err)
	}
	return q, nil
}

func (q *Queue) Close() error { return q.db.Close() }

// Send enqueues one message onto the subqueue for priority. Atomic per
// message, not per batch — callers wanting batch semantics call Send in a
// loop and collect per-message failures themselves.
func (q *Queue) Send(ctx context.Context, body []byte, priority int) (string, error) {
	handle := uuid.NewString()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (handle, priority, body, visible_at_epoch_sec, enqueued_at_epoch_ms)
		VALUES (?, ?, ?, ?, ?);
	`, handle, priority, body, time.Now().Unix(), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("taskqueue: send: %w", err)
	}
	return handle, nil
}

// Receive long-polls across 0..numPriorities-1, highest priority first,
// with zero wait per subqueue so an empty high tier never blocks a lower
// one. It returns (nil, nil) if nothing is visible before wait elapses.
// The returned message's handle is leased invisible for leaseDuration.
func (q *Queue) Receive(ctx context.Context, numPriorities int, wait, leaseDuration time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		for priority := numPriorities - 1; priority >= 0; priority-- {
			msg, err := q.receiveOne(ctx, priority, leaseDuration)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				return msg, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *Queue) receiveOne(ctx context.Context, priority int, leaseDuration time.Duration) (*Message, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: begin receive: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	row := tx.QueryRowContext(ctx, `
		SELECT handle, body FROM queue_messages
		WHERE priority = ? AND visible_at_epoch_sec <= ?
		ORDER BY enqueued_at_epoch_ms ASC
		LIMIT 1;
	`, priority, now)

	var handle string
	var body []byte
	if err := row.Scan(&handle, &body); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("taskqueue: scan receive: %w", err)
	}

	newVisible := time.Now().Add(leaseDuration).Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE queue_messages SET visible_at_epoch_sec = ?
		WHERE handle = ? AND visible_at_epoch_sec <= ?;
	`, newVisible, handle, now)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: lease receive: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("taskqueue: lease rows affected: %w", err)
	}
	if affected != 1 {
		// Raced with another receiver between the select and the lease update.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("taskqueue: commit receive: %w", err)
	}
	return &Message{Handle: handle, Body: body, Priority: priority}, nil
}

// Ack permanently removes a message. priority is accepted for callers
// (e.g. the reclaimer) that track it out-of-band; it is not required to
// locate the row since handle is already the primary key.
func (q *Queue) Ack(ctx context.Context, handle string, _ int) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE handle = ?;`, handle)
	if err != nil {
		return fmt.Errorf("taskqueue: ack: %w", err)
	}
	return nil
}

// ExtendLease sets a message's remaining invisibility. seconds=0 makes it
// immediately visible again (used by the reclaimer to reset a leaked
// lease's queue-side visibility back to PENDING semantics).
func (q *Queue) ExtendLease(ctx context.Context, handle string, seconds time.Duration, _ int) error {
	visible := time.Now().Add(seconds).Unix()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages SET visible_at_epoch_sec = ? WHERE handle = ?;
	`, visible, handle)
	if err != nil {
		return fmt.Errorf("taskqueue: extend_lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("taskqueue: extend_lease rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("taskqueue: extend_lease: handle %s not found", handle)
	}
	return nil
}

// Depth returns the approximate message count for priority, or the total
// across all tiers when priority < 0.
func (q *Queue) Depth(ctx context.Context, priority int) (int64, error) {
	var n int64
	var err error
	if priority < 0 {
		err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages;`).Scan(&n)
	} else {
		err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE priority = ?;`, priority).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("taskqueue: depth: %w", err)
	}
	return n, nil
}
