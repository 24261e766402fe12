package queryapi

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/opengrid/gridcore/internal/blobstore"
	"github.com/opengrid/gridcore/internal/model"
	"github.com/opengrid/gridcore/internal/statetable"
)

func newHarness(t *testing.T) (*QueryAPI, *statetable.Ops, blobstore.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := statetable.OpenDB(db)
	if err != nil {
		t.Fatalf("statetable.OpenDB: %v", err)
	}
	ops := statetable.NewOps(store, statetable.NewNoopThrottler())
	blobs := blobstore.NewMemStore()
	return New(ops, blobs), ops, blobs
}

func TestResultsNotDoneWhilePending(t *testing.T) {
	q, ops, _ := newHarness(t)
	ctx := context.Background()
	if err := ops.PutBatch(ctx, []model.Task{{TaskID: "sess-1_0", SessionID: "sess-1"}}, 2); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	res, err := q.Results(ctx, "sess-1", false)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if res.Done {
		t.Fatalf("Done = true, want false while task PENDING")
	}
}

func TestResultsResolvesOutputBlob(t *testing.T) {
	q, ops, blobs := newHarness(t)
	ctx := context.Background()
	taskID := "sess-2_0"
	if err := ops.PutBatch(ctx, []model.Task{{TaskID: taskID, SessionID: "sess-2"}}, 2); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if _, err := ops.Claim(ctx, taskID, "owner", 0, 2); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	outputKey := model.BlobKey(taskID, "output")
	if err := blobs.Put(ctx, outputKey, []byte("done")); err != nil {
		t.Fatalf("Put output: %v", err)
	}
	if err := ops.Finalize(ctx, taskID, "owner", 1000, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	res, err := q.Results(ctx, "sess-2", true)
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if !res.Done {
		t.Fatalf("Done = false, want true once finished")
	}
	if string(res.Tasks[0].Output) != "done" {
		t.Fatalf("Output = %q, want done", res.Tasks[0].Output)
	}
}

func TestResultsMissingSessionReturnsNotFound(t *testing.T) {
	q, _, _ := newHarness(t)
	_, err := q.Results(context.Background(), "absent", false)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Results err = %v, want ErrNotFound", err)
	}
}

func TestCancelSeparatesCancelledFromAlreadyTerminal(t *testing.T) {
	q, ops, _ := newHarness(t)
	ctx := context.Background()
	pendingID := "sess-3_0"
	finishedID := "sess-3_1"
	if err := ops.PutBatch(ctx, []model.Task{
		{TaskID: pendingID, SessionID: "sess-3"},
		{TaskID: finishedID, SessionID: "sess-3"},
	}, 2); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if _, err := ops.Claim(ctx, finishedID, "owner", 0, 2); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := ops.Finalize(ctx, finishedID, "owner", 1000, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	cancelled, alreadyTerminal, err := q.Cancel(ctx, []string{"sess-3"})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != pendingID {
		t.Fatalf("cancelled = %v, want [%s]", cancelled, pendingID)
	}
	if len(alreadyTerminal) != 1 || alreadyTerminal[0] != finishedID {
		t.Fatalf("alreadyTerminal = %v, want [%s]", alreadyTerminal, finishedID)
	}
}
