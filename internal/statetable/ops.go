package statetable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/opengrid/gridcore/internal/bus"
	"github.com/opengrid/gridcore/internal/model"
	gridotel "github.com/opengrid/gridcore/internal/otel"
)

// Ops is the state table's operation surface, bound to a Throttler and
// optionally to an event bus for downstream observers (gateway websocket
// push, the reclaimer's own diagnostics) and an otel.Metrics instrument set.
type Ops struct {
	store            *Store
	throttler        Throttler
	bus              *bus.Bus
	metrics          *gridotel.Metrics
	throttleObserver func()
}

// NewOps binds a Store to a Throttler. Pass NewNoopThrottler() when the
// caller has no need to simulate backpressure. eventBus may be nil.
func NewOps(store *Store, throttler Throttler) *Ops {
	if throttler == nil {
		throttler = NewNoopThrottler()
	}
	return &Ops{store: store, throttler: throttler}
}

// WithBus attaches an event bus that Ops publishes task lifecycle events to.
func (o *Ops) WithBus(b *bus.Bus) *Ops {
	o.bus = b
	return o
}

// WithMetrics attaches the instrument set Ops records task lifecycle
// counters to. Nil is safe and simply disables recording.
func (o *Ops) WithMetrics(m *gridotel.Metrics) *Ops {
	o.metrics = m
	return o
}

// WithThrottleObserver registers a callback invoked once per observed
// ErrThrottled outcome, so a caller (the reclaimer's upstream-throttle
// skip signal) can track write throttling without polling ops itself.
func (o *Ops) WithThrottleObserver(fn func()) *Ops {
	o.throttleObserver = fn
	return o
}

func (o *Ops) publish(topic string, payload any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, payload)
}

func (o *Ops) checkThrottle(ctx context.Context, op string) error {
	if !o.throttler.Allow(ctx, op) {
		if o.metrics != nil {
			o.metrics.ThrottledTotal.Add(ctx, 1)
		}
		if o.throttleObserver != nil {
			o.throttleObserver()
		}
		return model.ErrThrottled
	}
	return nil
}

// PutBatch inserts new PENDING rows. A task_id collision is a FATAL
// programmer error (task ids are derived deterministically from
// session_id+index and should never repeat), except when the caller is
// retrying a submission that partially succeeded, in which case the
// existing row is left untouched.
func (o *Ops) PutBatch(ctx context.Context, tasks []model.Task, numPartitions int) error {
	if err := o.checkThrottle(ctx, "put"); err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := o.store.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("statetable: begin put_batch: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, t := range tasks {
			partition := model.Partition(t.SessionID, numPartitions)
			stored := model.StoredState(model.StatePending, partition)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (
					task_id, session_id, parent_session_id, state, partition, stored_state,
					owner, queue_handle, heartbeat_expiration_epoch_sec, retries, priority,
					submission_epoch_millis, completion_epoch_millis, definition
				) VALUES (?, ?, ?, ?, ?, ?, ?, '', 0, 0, ?, ?, 0, ?)
				ON CONFLICT(task_id) DO NOTHING;
			`, t.TaskID, t.SessionID, t.ParentSessionID, string(model.StatePending), partition, stored,
				model.OwnerNone, t.Priority, t.SubmissionEpochMillis, t.Definition)
			if err != nil {
				return fmt.Errorf("statetable: insert task %s: %w", t.TaskID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("statetable: commit put_batch: %w", err)
		}
		return nil
	})
}

// Claim transitions a PENDING task to PROCESSING under the given owner,
// setting its heartbeat deadline. Returns ErrCondition if the task is not
// currently PENDING (already claimed, or in a terminal state).
func (o *Ops) Claim(ctx context.Context, taskID, owner string, leaseTTL time.Duration, numPartitions int) (*model.Task, error) {
	if err := o.checkThrottle(ctx, "claim"); err != nil {
		return nil, err
	}
	var result *model.Task
	var visibleSince int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := o.store.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("statetable: begin claim: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := scanOneTx(ctx, tx, taskID)
		if errors.Is(err, model.ErrNotFound) {
			result = nil
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		if task.State != model.StatePending {
			result = nil
			return model.ErrCondition
		}
		visibleSince = task.SubmissionEpochMillis

		expiry := time.Now().Add(leaseTTL).Unix()
		newStored := model.StoredState(model.StateProcessing, task.Partition)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = ?, stored_state = ?, owner = ?, heartbeat_expiration_epoch_sec = ?
			WHERE task_id = ? AND state = ?;
		`, string(model.StateProcessing), newStored, owner, expiry, taskID, string(model.StatePending))
		if err != nil {
			return fmt.Errorf("statetable: claim update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("statetable: claim rows affected: %w", err)
		}
		if affected != 1 {
			result = nil
			return model.ErrCondition
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("statetable: commit claim: %w", err)
		}
		task.State = model.StateProcessing
		task.Owner = owner
		task.HeartbeatExpirationEpochSec = expiry
		result = task
		return nil
	})
	if o.metrics != nil {
		outcome := "success"
		switch {
		case errors.Is(err, model.ErrNotFound):
			outcome = "not_found"
		case errors.Is(err, model.ErrCondition):
			outcome = "condition"
		case err != nil:
			outcome = "error"
		}
		o.metrics.TaskClaimTotal.Add(ctx, 1, metric.WithAttributes(gridotel.AttrOutcome.String(outcome)))
		if err == nil && visibleSince > 0 {
			o.metrics.TaskClaimDuration.Record(ctx, time.Since(time.UnixMilli(visibleSince)).Seconds())
		}
	}
	if err != nil {
		return nil, err
	}
	o.publish(bus.TopicTaskClaimed, bus.TaskClaimedEvent{
		TaskID: result.TaskID, SessionID: result.SessionID, Owner: result.Owner, Retries: result.Retries,
	})
	o.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: result.TaskID, SessionID: result.SessionID,
		OldState: string(model.StatePending), NewState: string(model.StateProcessing), Owner: result.Owner,
	})
	return result, nil
}

// RefreshTTL extends a PROCESSING task's heartbeat deadline. The caller
// must present the owner it claimed with; a mismatched owner (the lease was
// already reclaimed) returns ErrCondition.
func (o *Ops) RefreshTTL(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	if err := o.checkThrottle(ctx, "refresh_ttl"); err != nil {
		return err
	}
	err := retryOnBusy(ctx, 5, func() error {
		expiry := time.Now().Add(leaseTTL).Unix()
		res, err := o.store.db.ExecContext(ctx, `
			UPDATE tasks
			SET heartbeat_expiration_epoch_sec = ?
			WHERE task_id = ? AND owner = ? AND state = ?;
		`, expiry, taskID, owner, string(model.StateProcessing))
		if err != nil {
			return fmt.Errorf("statetable: refresh_ttl: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("statetable: refresh_ttl rows affected: %w", err)
		}
		if affected != 1 {
			return model.ErrCondition
		}
		return nil
	})
	if o.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "lost"
		}
		o.metrics.HeartbeatTotal.Add(ctx, 1, metric.WithAttributes(gridotel.AttrOutcome.String(outcome)))
	}
	return err
}

// Finalize transitions a PROCESSING task owned by owner to FINISHED.
func (o *Ops) Finalize(ctx context.Context, taskID, owner string, completionEpochMillis int64, resultDefinition []byte) error {
	if err := o.checkThrottle(ctx, "finalize"); err != nil {
		return err
	}
	return o.terminalTransition(ctx, taskID, owner, model.StateFinished, completionEpochMillis, resultDefinition)
}

// Fail transitions a PROCESSING task owned by owner to FAILED, bypassing
// any further retry (used when retries are exhausted, or the caller wants
// a hard failure regardless of remaining attempts).
func (o *Ops) Fail(ctx context.Context, taskID, owner string, completionEpochMillis int64, resultDefinition []byte) error {
	if err := o.checkThrottle(ctx, "fail"); err != nil {
		return err
	}
	return o.terminalTransition(ctx, taskID, owner, model.StateFailed, completionEpochMillis, resultDefinition)
}

func (o *Ops) terminalTransition(ctx context.Context, taskID, owner string, to model.LogicalState, completionEpochMillis int64, resultDefinition []byte) error {
	var sessionID string
	var submissionEpochMillis int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := o.store.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("statetable: begin terminal transition: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := scanOneTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.State != model.StateProcessing || task.Owner != owner {
			return model.ErrCondition
		}
		sessionID = task.SessionID
		submissionEpochMillis = task.SubmissionEpochMillis
		stored := model.StoredState(to, task.Partition)
		setClause := "state = ?, stored_state = ?, owner = ?, completion_epoch_millis = ?"
		args := []any{string(to), stored, model.OwnerNone, completionEpochMillis}
		if resultDefinition != nil {
			setClause += ", definition = ?"
			args = append(args, resultDefinition)
		}
		args = append(args, taskID, owner, string(model.StateProcessing))
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE tasks SET %s
			WHERE task_id = ? AND owner = ? AND state = ?;
		`, setClause), args...)
		if err != nil {
			return fmt.Errorf("statetable: terminal transition update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("statetable: terminal transition rows affected: %w", err)
		}
		if affected != 1 {
			return model.ErrCondition
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if o.metrics != nil {
		if to == model.StateFailed {
			o.metrics.TaskFailTotal.Add(ctx, 1)
		} else {
			o.metrics.TaskFinalizeTotal.Add(ctx, 1)
		}
		if submissionEpochMillis > 0 {
			o.metrics.TaskDuration.Record(ctx, float64(completionEpochMillis-submissionEpochMillis)/1000)
		}
	}
	topic := bus.TopicTaskFinalized
	if to == model.StateFailed {
		topic = bus.TopicTaskFailed
	}
	o.publish(topic, bus.TaskStateChangedEvent{
		TaskID: taskID, SessionID: sessionID,
		OldState: string(model.StateProcessing), NewState: string(to), Owner: model.OwnerNone,
	})
	return nil
}

// Retry returns a PROCESSING task owned by owner to PENDING and increments
// its retry count, or transitions it to FAILED if maxRetries has been
// reached. Returns the logical state the task ended up in.
func (o *Ops) Retry(ctx context.Context, taskID, owner string, maxRetries int) (model.LogicalState, error) {
	if err := o.checkThrottle(ctx, "retry"); err != nil {
		return "", err
	}
	var final model.LogicalState
	var sessionID string
	var submissionEpochMillis int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := o.store.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("statetable: begin retry: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := scanOneTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.State != model.StateProcessing || task.Owner != owner {
			return model.ErrCondition
		}
		sessionID = task.SessionID
		submissionEpochMillis = task.SubmissionEpochMillis

		to := model.StatePending
		nextRetries := task.Retries + 1
		if task.Retries >= maxRetries {
			// Already at the ceiling: fail now rather than incrementing past
			// it, so a FAILED row never stores retries > maxRetries.
			to = model.StateFailed
			nextRetries = task.Retries
		}
		stored := model.StoredState(to, task.Partition)
		owner2 := model.OwnerNone
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = ?, stored_state = ?, owner = ?, retries = ?, heartbeat_expiration_epoch_sec = 0
			WHERE task_id = ? AND owner = ? AND state = ?;
		`, string(to), stored, owner2, nextRetries, taskID, owner, string(model.StateProcessing))
		if err != nil {
			return fmt.Errorf("statetable: retry update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("statetable: retry rows affected: %w", err)
		}
		if affected != 1 {
			return model.ErrCondition
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("statetable: commit retry: %w", err)
		}
		final = to
		return nil
	})
	if err != nil {
		return "", err
	}
	if o.metrics != nil {
		if final == model.StateFailed {
			o.metrics.TaskFailTotal.Add(ctx, 1)
			if submissionEpochMillis > 0 {
				o.metrics.TaskDuration.Record(ctx, time.Since(time.UnixMilli(submissionEpochMillis)).Seconds())
			}
		} else {
			o.metrics.TaskRetryTotal.Add(ctx, 1)
		}
	}
	o.publish(bus.TopicTaskRetried, bus.TaskStateChangedEvent{
		TaskID: taskID, SessionID: sessionID,
		OldState: string(model.StateProcessing), NewState: string(final), Owner: model.OwnerNone,
	})
	return final, nil
}

// Cancel transitions a task to CANCELLED from any non-terminal state
// (PENDING or PROCESSING). It is not owner-scoped: any caller holding a
// session_id can request cancellation.
func (o *Ops) Cancel(ctx context.Context, taskID string, completionEpochMillis int64) error {
	if err := o.checkThrottle(ctx, "cancel"); err != nil {
		return err
	}
	var sessionID string
	var oldState model.LogicalState
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := o.store.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("statetable: begin cancel: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		task, err := scanOneTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.State != model.StatePending && task.State != model.StateProcessing {
			return model.ErrCondition
		}
		sessionID = task.SessionID
		oldState = task.State
		stored := model.StoredState(model.StateCancelled, task.Partition)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = ?, stored_state = ?, owner = ?, completion_epoch_millis = ?
			WHERE task_id = ? AND state = ?;
		`, string(model.StateCancelled), stored, model.OwnerNone, completionEpochMillis, taskID, string(task.State))
		if err != nil {
			return fmt.Errorf("statetable: cancel update: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("statetable: cancel rows affected: %w", err)
		}
		if affected != 1 {
			return model.ErrCondition
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.TaskCancelTotal.Add(ctx, 1)
	}
	o.publish(bus.TopicTaskCancelled, bus.TaskStateChangedEvent{
		TaskID: taskID, SessionID: sessionID,
		OldState: string(oldState), NewState: string(model.StateCancelled), Owner: model.OwnerNone,
	})
	return nil
}

// MarkInconsistent is the reclaimer's fallback when a task's queue and
// state-table views cannot be reconciled automatically.
func (o *Ops) MarkInconsistent(ctx context.Context, taskID string) error {
	task, err := o.Get(ctx, taskID)
	if err != nil {
		return err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := o.store.db.ExecContext(ctx, `
			UPDATE tasks SET state = ?
			WHERE task_id = ?;
		`, string(model.StateInconsistent), taskID)
		if err != nil {
			return fmt.Errorf("statetable: mark inconsistent: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.InconsistentTotal.Add(ctx, 1)
	}
	o.publish(bus.TopicTaskInconsistent, bus.TaskInconsistentEvent{
		TaskID: taskID, SessionID: task.SessionID, Detail: "reclaimer could not reconcile queue and state-table views",
	})
	return nil
}

// SetQueueHandle records the queue's ack token against a PENDING task after
// the submitter enqueues it, so a later resubmission or diagnostic read can
// see which message the row corresponds to.
func (o *Ops) SetQueueHandle(ctx context.Context, taskID, handle string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := o.store.db.ExecContext(ctx, `
			UPDATE tasks SET queue_handle = ? WHERE task_id = ?;
		`, handle, taskID)
		if err != nil {
			return fmt.Errorf("statetable: set queue handle: %w", err)
		}
		return nil
	})
}

// Get returns a single task by id.
func (o *Ops) Get(ctx context.Context, taskID string) (*model.Task, error) {
	row := o.store.db.QueryRowContext(ctx, selectColumns+` WHERE task_id = ?;`, taskID)
	return scanRow(row.Scan)
}

// QueryBySession returns every task row for a session, ordered by task_id
// (which sorts by index since task ids are session_id+"_"+index).
func (o *Ops) QueryBySession(ctx context.Context, sessionID string) ([]model.Task, error) {
	rows, err := o.store.db.QueryContext(ctx, selectColumns+` WHERE session_id = ? ORDER BY task_id ASC;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("statetable: query_by_session: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// QueryExpired pages through PROCESSING tasks in one partition whose
// heartbeat deadline has passed, the reclaimer's per-cycle input.
func (o *Ops) QueryExpired(ctx context.Context, partition int, nowEpochSec int64, limit int) ([]model.Task, error) {
	stored := model.StoredState(model.StateProcessing, partition)
	rows, err := o.store.db.QueryContext(ctx, selectColumns+`
		WHERE stored_state = ? AND heartbeat_expiration_epoch_sec <= ? AND heartbeat_expiration_epoch_sec > 0
		ORDER BY heartbeat_expiration_epoch_sec ASC
		LIMIT ?;
	`, stored, nowEpochSec, limit)
	if err != nil {
		return nil, fmt.Errorf("statetable: query_expired: %w", err)
	}
	defer rows.Close()
	return scanAll(rows)
}

const selectColumns = `
	SELECT task_id, session_id, parent_session_id, state, partition, owner, queue_handle,
		heartbeat_expiration_epoch_sec, retries, priority, submission_epoch_millis,
		completion_epoch_millis, definition
	FROM tasks`

func scanRow(scanFn func(dest ...any) error) (*model.Task, error) {
	var t model.Task
	var state string
	if err := scanFn(
		&t.TaskID, &t.SessionID, &t.ParentSessionID, &state, &t.Partition, &t.Owner, &t.QueueHandle,
		&t.HeartbeatExpirationEpochSec, &t.Retries, &t.Priority, &t.SubmissionEpochMillis,
		&t.CompletionEpochMillis, &t.Definition,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("statetable: scan task: %w", err)
	}
	t.State = model.LogicalState(state)
	return &t, nil
}

func scanOneTx(ctx context.Context, tx *sql.Tx, taskID string) (*model.Task, error) {
	row := tx.QueryRowContext(ctx, selectColumns+` WHERE task_id = ?;`, taskID)
	return scanRow(row.Scan)
}

func scanAll(rows *sql.Rows) ([]model.Task, error) {
	var out []model.Task
	for rows.Next() {
		t, err := scanRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
