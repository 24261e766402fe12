package statetable

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opengrid/gridcore/internal/model"
)

func newTestOps(t *testing.T) *Ops {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := OpenDB(db)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	return NewOps(store, NewNoopThrottler())
}

func mustPut(t *testing.T, ops *Ops, sessionID string, n int) []model.Task {
	t.Helper()
	tasks := make([]model.Task, n)
	for i := 0; i < n; i++ {
		tasks[i] = model.Task{
			TaskID:                model.TaskID(sessionID, i),
			SessionID:             sessionID,
			SubmissionEpochMillis: 1000,
			Priority:              1,
		}
	}
	if err := ops.PutBatch(context.Background(), tasks, 4); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	return tasks
}

func TestPutBatchThenGet(t *testing.T) {
	ops := newTestOps(t)
	mustPut(t, ops, "sess-a", 3)

	got, err := ops.Get(context.Background(), model.TaskID("sess-a", 1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != model.StatePending {
		t.Fatalf("State = %v, want PENDING", got.State)
	}
	if got.Owner != model.OwnerNone {
		t.Fatalf("Owner = %q, want NONE", got.Owner)
	}
}

func TestPutBatchIsIdempotentOnRetry(t *testing.T) {
	ops := newTestOps(t)
	tasks := mustPut(t, ops, "sess-b", 2)

	// Re-submitting the same batch (a caller retry after a partial failure)
	// must not error or clobber existing rows.
	if err := ops.PutBatch(context.Background(), tasks, 4); err != nil {
		t.Fatalf("PutBatch retry: %v", err)
	}
	rows, err := ops.QueryBySession(context.Background(), "sess-b")
	if err != nil {
		t.Fatalf("QueryBySession: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
}

func TestClaimTransitionsPendingToProcessing(t *testing.T) {
	ops := newTestOps(t)
	mustPut(t, ops, "sess-c", 1)
	taskID := model.TaskID("sess-c", 0)

	task, err := ops.Claim(context.Background(), taskID, "owner-1", time.Minute, 4)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if task.State != model.StateProcessing || task.Owner != "owner-1" {
		t.Fatalf("claimed task = %+v", task)
	}
}

func TestClaimRaceOnlyOneWinner(t *testing.T) {
	ops := newTestOps(t)
	mustPut(t, ops, "sess-d", 1)
	taskID := model.TaskID("sess-d", 0)

	const n = 8
	var wg sync.WaitGroup
	wins := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ops.Claim(context.Background(), taskID, "owner", time.Minute, 4)
			wins[i] = err == nil
		}(i)
	}
	wg.Wait()

	won := 0
	for _, w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("winners = %d, want exactly 1", won)
	}
}

func TestClaimAlreadyClaimedReturnsCondition(t *testing.T) {
	ops := newTestOps(t)
	mustPut(t, ops, "sess-e", 1)
	taskID := model.TaskID("sess-e", 0)

	if _, err := ops.Claim(context.Background(), taskID, "owner-1", time.Minute, 4); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := ops.Claim(context.Background(), taskID, "owner-2", time.Minute, 4)
	if !errors.Is(err, model.ErrCondition) {
		t.Fatalf("second claim err = %v, want ErrCondition", err)
	}
}

func TestRefreshTTLRequiresMatchingOwner(t *testing.T) {
	ops := newTestOps(t)
	mustPut(t, ops, "sess-f", 1)
	taskID := model.TaskID("sess-f", 0)
	if _, err := ops.Claim(context.Background(), taskID, "owner-1", time.Minute, 4); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := ops.RefreshTTL(context.Background(), taskID, "owner-1", 2*time.Minute); err != nil {
		t.Fatalf("RefreshTTL correct owner: %v", err)
	}
	err := ops.RefreshTTL(context.Background(), taskID, "owner-2", 2*time.Minute)
	if !errors.Is(err, model.ErrCondition) {
		t.Fatalf("RefreshTTL wrong owner err = %v, want ErrCondition", err)
	}
}

func TestRefreshTTLOnUnclaimedTaskFails(t *testing.T) {
	ops := newTestOps(t)
	mustPut(t, ops, "sess-g", 1)
	taskID := model.TaskID("sess-g", 0)

	err := ops.RefreshTTL(context.Background(), taskID, "owner-1", time.Minute)
	if !errors.Is(err, model.ErrCondition) {
		t.Fatalf("RefreshTTL unclaimed err = %v, want ErrCondition", err)
	}
}

func TestFinalizeRequiresOwnerAndProcessingState(t *testing.T) {
	ops := newTestOps(t)
	mustPut(t, ops, "sess-h", 1)
	taskID := model.TaskID("sess-h", 0)

	// Not yet claimed.
	if err := ops.Finalize(context.Background(), taskID, "owner-1", 2000, nil); !errors.Is(err, model.ErrCondition) {
		t.Fatalf("Finalize unclaimed err = %v, want ErrCondition", err)
	}

	if _, err := ops.Claim(context.Background(), taskID, "owner-1", time.Minute, 4); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := ops.Finalize(context.Background(), taskID, "owner-2", 2000, nil); !errors.Is(err, model.ErrCondition) {
		t.Fatalf("Finalize wrong owner err = %v, want ErrCondition", err)
	}
	if err := ops.Finalize(context.Background(), taskID, "owner-1", 2000, []byte("result")); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	task, err := ops.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.State != model.StateFinished {
		t.Fatalf("State = %v, want FINISHED", task.State)
	}
	if task.Owner != model.OwnerNone {
		t.Fatalf("Owner = %q, want NONE after finalize", task.Owner)
	}
	if string(task.Definition) != "result" {
		t.Fatalf("Definition = %q, want result", task.Definition)
	}

	// Finalizing an already-terminal task fails.
	if err := ops.Finalize(context.Background(), taskID, "owner-1", 3000, nil); !errors.Is(err, model.ErrCondition) {
		t.Fatalf("Finalize terminal err = %v, want ErrCondition", err)
	}
}

func TestRetryReturnsToPendingUntilExhausted(t *testing.T) {
	ops := newTestOps(t)
	mustPut(t, ops, "sess-i", 1)
	taskID := model.TaskID("sess-i", 0)

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := ops.Claim(context.Background(), taskID, "owner", time.Minute, 4); err != nil {
			t.Fatalf("Claim attempt %d: %v", attempt, err)
		}
		state, err := ops.Retry(context.Background(), taskID, "owner", 2)
		if err != nil {
			t.Fatalf("Retry attempt %d: %v", attempt, err)
		}
		if state != model.StatePending {
			t.Fatalf("Retry attempt %d state = %v, want PENDING", attempt, state)
		}
	}

	// Third claim + retry exceeds maxRetries=2, lands on FAILED.
	if _, err := ops.Claim(context.Background(), taskID, "owner", time.Minute, 4); err != nil {
		t.Fatalf("Claim final: %v", err)
	}
	state, err := ops.Retry(context.Background(), taskID, "owner", 2)
	if err != nil {
		t.Fatalf("Retry final: %v", err)
	}
	if state != model.StateFailed {
		t.Fatalf("final Retry state = %v, want FAILED", state)
	}
}

func TestCancelFromPendingOrProcessing(t *testing.T) {
	ops := newTestOps(t)
	mustPut(t, ops, "sess-j", 2)
	pendingID := model.TaskID("sess-j", 0)
	processingID := model.TaskID("sess-j", 1)

	if err := ops.Cancel(context.Background(), pendingID, 5000); err != nil {
		t.Fatalf("Cancel pending: %v", err)
	}

	if _, err := ops.Claim(context.Background(), processingID, "owner", time.Minute, 4); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := ops.Cancel(context.Background(), processingID, 5000); err != nil {
		t.Fatalf("Cancel processing: %v", err)
	}

	for _, id := range []string{pendingID, processingID} {
		task, err := ops.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if task.State != model.StateCancelled {
			t.Fatalf("task %s State = %v, want CANCELLED", id, task.State)
		}
	}

	// Cancelling an already-terminal task fails.
	if err := ops.Cancel(context.Background(), pendingID, 6000); !errors.Is(err, model.ErrCondition) {
		t.Fatalf("Cancel terminal err = %v, want ErrCondition", err)
	}
}

func TestQueryBySessionOrdersByIndex(t *testing.T) {
	ops := newTestOps(t)
	mustPut(t, ops, "sess-k", 5)

	rows, err := ops.QueryBySession(context.Background(), "sess-k")
	if err != nil {
		t.Fatalf("QueryBySession: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("len(rows) = %d, want 5", len(rows))
	}
	for i, row := range rows {
		if row.TaskID != model.TaskID("sess-k", i) {
			t.Fatalf("rows[%d].TaskID = %s, want index %d", i, row.TaskID, i)
		}
	}
}

func TestQueryExpiredScopesToPartitionAndDeadline(t *testing.T) {
	ops := newTestOps(t)
	// sess-same-part and the original session must land in the same
	// partition for this test to be meaningful; instead we just claim many
	// sessions and check partition scoping against whatever partition they
	// landed in.
	mustPut(t, ops, "sess-l1", 1)
	mustPut(t, ops, "sess-l2", 1)
	id1 := model.TaskID("sess-l1", 0)
	id2 := model.TaskID("sess-l2", 0)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	task1, err := ops.Claim(context.Background(), id1, "owner", -time.Minute, 4)
	if err != nil {
		t.Fatalf("Claim id1: %v", err)
	}
	if _, err := ops.Claim(context.Background(), id2, "owner", time.Hour, 4); err != nil {
		t.Fatalf("Claim id2: %v", err)
	}

	expired, err := ops.QueryExpired(context.Background(), task1.Partition, time.Now().Unix(), 10)
	if err != nil {
		t.Fatalf("QueryExpired: %v", err)
	}
	found := false
	for _, e := range expired {
		if e.TaskID == id1 {
			found = true
		}
		if e.TaskID == id2 {
			t.Fatalf("QueryExpired leaked a task from a different partition/deadline: %s", e.TaskID)
		}
	}
	if !found {
		t.Fatalf("QueryExpired did not surface the expired task")
	}

	_ = past
	_ = future
}

func TestThrottledOpReturnsErrThrottled(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	store, err := OpenDB(db)
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	throttler := NewRateThrottler(2)
	var observed int
	ops := NewOps(store, throttler).WithThrottleObserver(func() { observed++ })

	tasks := []model.Task{{TaskID: model.TaskID("sess-m", 0), SessionID: "sess-m"}}
	if err := ops.PutBatch(context.Background(), tasks, 4); err != nil {
		t.Fatalf("PutBatch first call: %v", err)
	}
	// Second call to the same op name is throttled (every=2).
	if err := ops.PutBatch(context.Background(), tasks, 4); !errors.Is(err, model.ErrThrottled) {
		t.Fatalf("PutBatch second call err = %v, want ErrThrottled", err)
	}
	if observed != 1 {
		t.Fatalf("throttle observer called %d times, want 1", observed)
	}
}

func TestMarkInconsistent(t *testing.T) {
	ops := newTestOps(t)
	mustPut(t, ops, "sess-n", 1)
	taskID := model.TaskID("sess-n", 0)

	if err := ops.MarkInconsistent(context.Background(), taskID); err != nil {
		t.Fatalf("MarkInconsistent: %v", err)
	}
	task, err := ops.Get(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.State != model.StateInconsistent {
		t.Fatalf("State = %v, want INCONSISTENT", task.State)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	ops := newTestOps(t)
	_, err := ops.Get(context.Background(), "absent")
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get missing err = %v, want ErrNotFound", err)
	}
}
