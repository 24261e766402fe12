// Package audit persists a durable, append-only record of events an
// operator needs to investigate after the fact: tasks marked INCONSISTENT
// by the reclaimer, and reclaimer cycles skipped under sustained throttling.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opengrid/gridcore/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	TaskID    string `json:"task_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Partition int    `json:"partition,omitempty"`
	Detail    string `json:"detail"`
}

var (
	mu               sync.Mutex
	file             *os.File
	db               *sql.DB
	inconsistentCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for diagnostics table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// InconsistentCount returns the total number of INCONSISTENT events recorded
// since startup.
func InconsistentCount() int64 {
	return inconsistentCount.Load()
}

// Record persists one diagnostic event: event is a short machine name
// ("inconsistent", "throttle_skip", "claim_conflict", ...), taskID/sessionID
// identify the affected row when applicable, and detail is a free-text
// explanation safe to redact.
func Record(event, taskID, sessionID string, partition int, detail string) {
	if event == "inconsistent" {
		inconsistentCount.Add(1)
	}

	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Event:     event,
			TaskID:    taskID,
			SessionID: sessionID,
			Partition: partition,
			Detail:    detail,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO diagnostics (task_id, session_id, partition, event, detail)
			VALUES (?, ?, ?, ?, ?);
		`, taskID, sessionID, partition, event, detail)
	}
}
