// Package agent implements the compute-plane worker process: pull from the
// task queue, claim ownership in the state table, execute the task's
// opaque payload, heartbeat the lease while it runs, and commit the
// result.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/opengrid/gridcore/internal/blobstore"
	"github.com/opengrid/gridcore/internal/model"
	gridotel "github.com/opengrid/gridcore/internal/otel"
	"github.com/opengrid/gridcore/internal/statetable"
	"github.com/opengrid/gridcore/internal/taskqueue"
)

// Config holds the agent's collaborators and tunables.
type Config struct {
	Store    *statetable.Ops
	Queue    *taskqueue.Queue
	Blobs    blobstore.Store
	Executor Executor
	Logger   *slog.Logger
	Tracer   trace.Tracer

	NumPriorities          int
	ReceiveWait            time.Duration
	AgentVisibility        time.Duration
	TTLOffset              time.Duration
	RefreshInterval        time.Duration
	EmptyQueueBackoff      time.Duration
	NumPartitions          int
	PayloadInExternalStore bool
}

type queueMessageBody struct {
	TaskID                string `json:"task_id"`
	SessionID             string `json:"session_id"`
	Priority              int    `json:"priority"`
	SubmissionEpochMillis int64  `json:"submission_epoch_millis"`
}

// Agent runs the control loop described by the package doc: one instance
// per OS process, identified by a random id for the lifetime of the
// process.
type Agent struct {
	cfg Config
	id  string
}

// New assigns the agent a fresh identity and fills in config defaults.
func New(cfg Config) *Agent {
	if cfg.NumPriorities <= 0 {
		cfg.NumPriorities = 1
	}
	if cfg.ReceiveWait <= 0 {
		cfg.ReceiveWait = 5 * time.Second
	}
	if cfg.AgentVisibility <= 0 {
		cfg.AgentVisibility = time.Minute
	}
	if cfg.TTLOffset <= 0 {
		cfg.TTLOffset = 30 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = cfg.TTLOffset / 3
	}
	if cfg.EmptyQueueBackoff <= 0 {
		cfg.EmptyQueueBackoff = 2 * time.Second
	}
	if cfg.NumPartitions <= 0 {
		cfg.NumPartitions = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("gridcore")
	}
	return &Agent{cfg: cfg, id: "agent-" + uuid.NewString()}
}

// ID returns this agent's owner identity, the value stored in task_owner
// while it holds a lease.
func (a *Agent) ID() string { return a.id }

// Run loops until ctx is cancelled, claiming and executing one task per
// iteration.
func (a *Agent) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		a.runOnce(ctx)
	}
}

func (a *Agent) runOnce(ctx context.Context) {
	msg, err := a.cfg.Queue.Receive(ctx, a.cfg.NumPriorities, a.cfg.ReceiveWait, a.cfg.TTLOffset)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.cfg.Logger.Error("agent: receive failed", "error", err)
		}
		return
	}
	if msg == nil {
		time.Sleep(model.BackoffJitter(a.cfg.EmptyQueueBackoff))
		return
	}

	var body queueMessageBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		a.cfg.Logger.Error("agent: malformed queue message, acking to drop", "error", err)
		_ = a.cfg.Queue.Ack(ctx, msg.Handle, msg.Priority)
		return
	}

	task, err := a.cfg.Store.Claim(ctx, body.TaskID, a.id, a.cfg.TTLOffset, a.cfg.NumPartitions)
	if err != nil {
		if errors.Is(err, model.ErrCondition) {
			if row, getErr := a.cfg.Store.Get(ctx, body.TaskID); getErr == nil && row.State == model.StateCancelled {
				_ = a.cfg.Queue.Ack(ctx, msg.Handle, msg.Priority)
				return
			}
			// Raced with another agent or the reclaimer; back off and retry
			// a later message rather than hammering this one.
			time.Sleep(model.BackoffJitter(a.cfg.EmptyQueueBackoff))
			return
		}
		a.cfg.Logger.Error("agent: claim failed", "task_id", body.TaskID, "error", err)
		return
	}

	if err := a.cfg.Queue.ExtendLease(ctx, msg.Handle, a.cfg.AgentVisibility, msg.Priority); err != nil {
		a.cfg.Logger.Warn("agent: extend_lease after claim failed", "task_id", task.TaskID, "error", err)
	}

	a.execute(ctx, task, msg.Handle, msg.Priority)
}

func (a *Agent) execute(ctx context.Context, task *model.Task, handle string, priority int) {
	ctx, span := gridotel.StartSpan(ctx, a.cfg.Tracer, "agent.execute",
		gridotel.AttrTaskID.String(task.TaskID),
		gridotel.AttrSessionID.String(task.SessionID),
		gridotel.AttrAgentID.String(a.id),
	)
	defer span.End()
	rec := gridotel.Recorder{}
	rec.Timestamp(ctx, "claimed")

	input := task.Definition
	if a.cfg.PayloadInExternalStore && a.cfg.Blobs != nil {
		blobCtx, blobSpan := gridotel.StartClientSpan(ctx, a.cfg.Tracer, "blobstore.get")
		resolved, err := a.cfg.Blobs.Get(blobCtx, string(task.Definition))
		blobSpan.End()
		if err == nil {
			input = resolved
		}
	}

	output, outcome, execErr := runWithHeartbeat(
		ctx, a.cfg.Store, task.TaskID, a.id,
		a.cfg.RefreshInterval, a.cfg.TTLOffset, a.cfg.Logger,
		func(execCtx context.Context) ([]byte, error) {
			return a.cfg.Executor.Execute(execCtx, input)
		},
	)
	rec.Timestamp(ctx, "executed")

	if outcome.cancelled {
		_ = a.cfg.Queue.Ack(ctx, handle, priority)
		return
	}
	if outcome.lost {
		// Reclaimer already reassigned this task; discard our result and
		// do not ack, matching the agent's "finalize CONDITION -> don't ack"
		// rule for the symmetric case below.
		return
	}

	// A user-task error is a successful execution that produced an error
	// result, not an infrastructure failure: it finalizes to FINISHED with
	// the error written to the task's "-error" blob, the same as a normal
	// result goes to "-output". Retry/RC semantics apply only to
	// infrastructure failures, which surface as lease expiry, not as an
	// error return from Executor.Execute.
	resultBytes := output
	suffix := "output"
	if execErr != nil {
		a.cfg.Logger.Warn("agent: task execution returned an error, finalizing with error result", "task_id", task.TaskID, "error", execErr)
		resultBytes = []byte(execErr.Error())
		suffix = "error"
	}

	resultKey := model.BlobKey(task.TaskID, suffix)
	resultDefinition := resultBytes
	if a.cfg.PayloadInExternalStore && a.cfg.Blobs != nil {
		blobCtx, blobSpan := gridotel.StartClientSpan(ctx, a.cfg.Tracer, "blobstore.put")
		err := a.cfg.Blobs.Put(blobCtx, resultKey, resultBytes)
		blobSpan.End()
		if err != nil {
			a.cfg.Logger.Error("agent: write result blob failed", "task_id", task.TaskID, "error", err)
			return
		}
		resultDefinition = []byte(resultKey)
	}

	if err := a.cfg.Store.Finalize(ctx, task.TaskID, a.id, time.Now().UnixMilli(), resultDefinition); err != nil {
		if errors.Is(err, model.ErrCondition) {
			// The reclaimer already reassigned this task; the result is
			// stale and must be discarded without acking.
			return
		}
		a.cfg.Logger.Error("agent: finalize failed", "task_id", task.TaskID, "error", err)
		return
	}
	rec.Timestamp(ctx, "finalized")
	if err := a.cfg.Queue.Ack(ctx, handle, priority); err != nil {
		a.cfg.Logger.Warn("agent: ack after finalize failed", "task_id", task.TaskID, "error", err)
	}
}
