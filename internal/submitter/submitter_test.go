package submitter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/opengrid/gridcore/internal/blobstore"
	"github.com/opengrid/gridcore/internal/model"
	"github.com/opengrid/gridcore/internal/statetable"
	"github.com/opengrid/gridcore/internal/taskqueue"
)

func newHarness(t *testing.T, cfg Config) (*Submitter, *statetable.Ops, *taskqueue.Queue) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st, err := statetable.OpenDB(db)
	if err != nil {
		t.Fatalf("statetable.OpenDB: %v", err)
	}
	ops := statetable.NewOps(st, statetable.NewNoopThrottler())

	tqDB, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open tq: %v", err)
	}
	t.Cleanup(func() { _ = tqDB.Close() })
	tq, err := taskqueue.OpenDB(tqDB)
	if err != nil {
		t.Fatalf("taskqueue.OpenDB: %v", err)
	}

	blobs := blobstore.NewMemStore()
	sub, err := New(ops, tq, blobs, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sub, ops, tq
}

func rawTasks(n int) []json.RawMessage {
	out := make([]json.RawMessage, n)
	for i := range out {
		out[i] = json.RawMessage(`{"op":"noop"}`)
	}
	return out
}

func TestSubmitMaterializesRowsAndEnqueues(t *testing.T) {
	sub, ops, tq := newHarness(t, Config{StatePartitions: 4})

	resp, err := sub.Submit(context.Background(), Request{SessionID: "sess-1", Tasks: rawTasks(3)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(resp.TaskIDs) != 3 || len(resp.Failed) != 0 {
		t.Fatalf("resp = %+v", resp)
	}

	rows, err := ops.QueryBySession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("QueryBySession: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	for _, r := range rows {
		if r.State != model.StatePending {
			t.Fatalf("row %s State = %v, want PENDING", r.TaskID, r.State)
		}
	}

	depth, err := tq.Depth(context.Background(), -1)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("queue depth = %d, want 3", depth)
	}
}

func TestSubmitRejectsMissingSessionID(t *testing.T) {
	sub, _, _ := newHarness(t, Config{StatePartitions: 4})
	_, err := sub.Submit(context.Background(), Request{Tasks: rawTasks(1)})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("Submit err = %v, want ErrConflict", err)
	}
}

func TestSubmitRejectsEmptyTaskList(t *testing.T) {
	sub, _, _ := newHarness(t, Config{StatePartitions: 4})
	_, err := sub.Submit(context.Background(), Request{SessionID: "sess-1", Tasks: nil})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("Submit err = %v, want ErrConflict", err)
	}
}

func TestSubmitIndirectsPayloadThroughBlobStore(t *testing.T) {
	sub, ops, _ := newHarness(t, Config{StatePartitions: 4, PayloadInExternalStore: true})
	resp, err := sub.Submit(context.Background(), Request{SessionID: "sess-2", Tasks: rawTasks(1)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	row, err := ops.Get(context.Background(), resp.TaskIDs[0])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	wantKey := model.BlobKey(resp.TaskIDs[0], "input")
	if string(row.Definition) != wantKey {
		t.Fatalf("Definition = %q, want blob key %q", row.Definition, wantKey)
	}
}

func TestSubmitShardsLargeSessions(t *testing.T) {
	sub, ops, _ := newHarness(t, Config{StatePartitions: 4, SessionShardThreshold: 2})
	resp, err := sub.Submit(context.Background(), Request{SessionID: "sess-3", Tasks: rawTasks(5)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(resp.TaskIDs) != 5 {
		t.Fatalf("len(resp.TaskIDs) = %d, want 5", len(resp.TaskIDs))
	}

	shard0, err := ops.QueryBySession(context.Background(), "sess-3-s0")
	if err != nil {
		t.Fatalf("QueryBySession shard 0: %v", err)
	}
	if len(shard0) != 2 {
		t.Fatalf("shard 0 len = %d, want 2", len(shard0))
	}
	if shard0[0].ParentSessionID != "sess-3" {
		t.Fatalf("shard 0 ParentSessionID = %q, want sess-3", shard0[0].ParentSessionID)
	}
}

func TestSubmitRetryIsIdempotent(t *testing.T) {
	sub, ops, _ := newHarness(t, Config{StatePartitions: 4})
	req := Request{SessionID: "sess-4", Tasks: rawTasks(2)}

	if _, err := sub.Submit(context.Background(), req); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := sub.Submit(context.Background(), req); err != nil {
		t.Fatalf("retried Submit: %v", err)
	}
	rows, err := ops.QueryBySession(context.Background(), "sess-4")
	if err != nil {
		t.Fatalf("QueryBySession: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) after retry = %d, want 2 (no duplicate rows)", len(rows))
	}
}

func TestSubmitRejectsFreshDuplicateSessionID(t *testing.T) {
	sub, _, _ := newHarness(t, Config{StatePartitions: 4})

	if _, err := sub.Submit(context.Background(), Request{SessionID: "sess-5", Tasks: rawTasks(2)}); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	// Same session_id, but a different request shape: not the documented
	// retry-by-id recovery, so it must be rejected rather than silently
	// accepted or merged.
	_, err := sub.Submit(context.Background(), Request{SessionID: "sess-5", Tasks: rawTasks(5)})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("Submit over existing session_id with a different batch = %v, want ErrConflict", err)
	}
}
