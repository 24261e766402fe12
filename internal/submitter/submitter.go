// Package submitter implements the ingestion path: validate a batch
// request, optionally indirect payloads through the blob store, write
// PENDING rows to the state table, and enqueue handles onto the task
// queue.
package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/opengrid/gridcore/internal/blobstore"
	"github.com/opengrid/gridcore/internal/bus"
	"github.com/opengrid/gridcore/internal/model"
	gridotel "github.com/opengrid/gridcore/internal/otel"
	"github.com/opengrid/gridcore/internal/statetable"
	"github.com/opengrid/gridcore/internal/taskqueue"
)

// Request is a client submission: one or more opaque task payloads under a
// single session.
type Request struct {
	SessionID string            `json:"session_id"`
	Priority  int               `json:"priority"`
	Tasks     []json.RawMessage `json:"tasks"`
}

// Response reports what was durably accepted. Failed lists task ids whose
// queue enqueue did not confirm; their ST rows exist and will either be
// picked up by the reclaimer's orphan sweep or can be resubmitted, which is
// idempotent under the conditional-claim rule.
type Response struct {
	SessionID string   `json:"session_id"`
	TaskIDs   []string `json:"task_ids"`
	Failed    []string `json:"failed,omitempty"`
}

// Config is the subset of the process config the submitter needs.
type Config struct {
	PayloadInExternalStore bool
	StatePartitions        int
	SessionShardThreshold  int
	MaxPutBatchRetries     int
}

// Submitter wires ST, TQ and BS together behind the single Submit entry
// point.
type Submitter struct {
	st      *statetable.Ops
	tq      *taskqueue.Queue
	blobs   blobstore.Store
	schema  *jsonschema.Schema
	cfg     Config
	bus     *bus.Bus
	metrics *gridotel.Metrics
	tracer  trace.Tracer
}

// New compiles the request schema and binds the collaborators Submit needs.
func New(st *statetable.Ops, tq *taskqueue.Queue, blobs blobstore.Store, cfg Config) (*Submitter, error) {
	schema, err := compileRequestSchema()
	if err != nil {
		return nil, err
	}
	if cfg.MaxPutBatchRetries <= 0 {
		cfg.MaxPutBatchRetries = 5
	}
	if cfg.StatePartitions <= 0 {
		cfg.StatePartitions = 1
	}
	return &Submitter{
		st: st, tq: tq, blobs: blobs, schema: schema, cfg: cfg,
		tracer: nooptrace.NewTracerProvider().Tracer("gridcore"),
	}, nil
}

// WithTracer attaches the tracer Submit starts its request span on.
func (s *Submitter) WithTracer(t trace.Tracer) *Submitter {
	s.tracer = t
	return s
}

// WithBus attaches an event bus for session.submitted / session.sharded
// notifications.
func (s *Submitter) WithBus(b *bus.Bus) *Submitter {
	s.bus = b
	return s
}

// WithMetrics attaches the instrument set Submit records its request
// duration to.
func (s *Submitter) WithMetrics(m *gridotel.Metrics) *Submitter {
	s.metrics = m
	return s
}

// Submit validates req, shards it if it exceeds SessionShardThreshold, and
// materializes every task through ST and TQ. A schema validation failure
// is rejected before any side effect, never partially.
func (s *Submitter) Submit(ctx context.Context, req Request) (*Response, error) {
	ctx, span := gridotel.StartServerSpan(ctx, s.tracer, "submitter.submit",
		gridotel.AttrSessionID.String(req.SessionID),
	)
	defer span.End()
	rec := gridotel.Recorder{}

	if s.metrics != nil {
		start := time.Now()
		defer func() { s.metrics.SubmitDuration.Record(ctx, time.Since(start).Seconds()) }()
	}
	if err := validateRequest(s.schema, req); err != nil {
		return nil, fmt.Errorf("submitter: %w: %v", model.ErrConflict, err)
	}
	rec.Timestamp(ctx, "validated")

	var resp *Response
	var err error
	if s.cfg.SessionShardThreshold > 0 && len(req.Tasks) > s.cfg.SessionShardThreshold {
		resp, err = s.submitSharded(ctx, req)
	} else {
		resp, err = s.submitOne(ctx, req.SessionID, req.SessionID, req.Priority, req.Tasks)
	}
	if err == nil {
		rec.Timestamp(ctx, "enqueued")
	}
	return resp, err
}

func (s *Submitter) submitSharded(ctx context.Context, req Request) (*Response, error) {
	resp := &Response{SessionID: req.SessionID}
	threshold := s.cfg.SessionShardThreshold
	shardIndex := 0
	for offset := 0; offset < len(req.Tasks); offset += threshold {
		end := offset + threshold
		if end > len(req.Tasks) {
			end = len(req.Tasks)
		}
		shardSessionID := fmt.Sprintf("%s-s%d", req.SessionID, shardIndex)
		shardIndex++

		shardResp, err := s.submitOne(ctx, shardSessionID, req.SessionID, req.Priority, req.Tasks[offset:end])
		if err != nil {
			return nil, fmt.Errorf("submitter: shard %s: %w", shardSessionID, err)
		}
		resp.TaskIDs = append(resp.TaskIDs, shardResp.TaskIDs...)
		resp.Failed = append(resp.Failed, shardResp.Failed...)

		s.publish(bus.TopicSessionSharded, shardSessionID)
	}
	s.publish(bus.TopicSessionSubmitted, req.SessionID)
	return resp, nil
}

func (s *Submitter) submitOne(ctx context.Context, sessionID, parentSessionID string, priority int, payloads []json.RawMessage) (*Response, error) {
	existing, err := s.st.QueryBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("submitter: query existing session %s: %w", sessionID, err)
	}
	// A session_id that already has rows is either a genuine duplicate
	// submission (reject, CONFLICT) or a caller resubmitting the exact same
	// batch to recover from a partial queue-send failure: that retry
	// reproduces the same deterministic task_ids in the same count, which
	// put_batch's ON CONFLICT DO NOTHING already makes idempotent. Anything
	// else reusing the id is rejected before any write.
	if len(existing) > 0 && len(existing) != len(payloads) {
		return nil, fmt.Errorf("submitter: %w: session %s already has %d task(s)", model.ErrConflict, sessionID, len(existing))
	}

	now := time.Now()
	tasks := make([]model.Task, len(payloads))
	for i, payload := range payloads {
		taskID := model.TaskID(sessionID, i)
		definition := []byte(payload)
		if s.cfg.PayloadInExternalStore {
			key := model.BlobKey(taskID, "input")
			if err := s.blobs.Put(ctx, key, []byte(payload)); err != nil {
				return nil, fmt.Errorf("submitter: write input blob for %s: %w", taskID, err)
			}
			definition = []byte(key)
		}
		tasks[i] = model.Task{
			TaskID:                taskID,
			SessionID:             sessionID,
			ParentSessionID:       parentSessionID,
			Priority:              priority,
			SubmissionEpochMillis: now.UnixMilli(),
			Definition:            definition,
		}
	}

	if s.cfg.PayloadInExternalStore {
		envelope, err := json.Marshal(payloads)
		if err != nil {
			return nil, fmt.Errorf("submitter: marshal envelope for %s: %w", sessionID, err)
		}
		if err := s.blobs.Put(ctx, model.SessionPayloadKey(sessionID), envelope); err != nil {
			return nil, fmt.Errorf("submitter: write envelope for %s: %w", sessionID, err)
		}
	}

	if err := s.putBatchWithBackoff(ctx, tasks); err != nil {
		return nil, fmt.Errorf("submitter: put_batch %s: %w", sessionID, err)
	}

	resp := &Response{SessionID: sessionID}
	for start := 0; start < len(tasks); start += taskqueue.MaxSendBatch {
		end := start + taskqueue.MaxSendBatch
		if end > len(tasks) {
			end = len(tasks)
		}
		for _, t := range tasks[start:end] {
			body, err := json.Marshal(queueMessageBody{
				TaskID:                t.TaskID,
				SessionID:             t.SessionID,
				Priority:              t.Priority,
				SubmissionEpochMillis: t.SubmissionEpochMillis,
			})
			if err != nil {
				resp.Failed = append(resp.Failed, t.TaskID)
				continue
			}
			handle, err := s.tq.Send(ctx, body, t.Priority)
			if err != nil {
				resp.Failed = append(resp.Failed, t.TaskID)
				continue
			}
			if err := s.st.SetQueueHandle(ctx, t.TaskID, handle); err != nil {
				// The row exists and is enqueued; a stale queue_handle column
				// is a diagnostic nuisance, not a correctness problem.
				resp.Failed = append(resp.Failed, t.TaskID)
				continue
			}
			resp.TaskIDs = append(resp.TaskIDs, t.TaskID)
		}
	}

	if sessionID == parentSessionID {
		s.publish(bus.TopicSessionSubmitted, sessionID)
	}
	return resp, nil
}

type queueMessageBody struct {
	TaskID                string `json:"task_id"`
	SessionID             string `json:"session_id"`
	Priority              int    `json:"priority"`
	SubmissionEpochMillis int64  `json:"submission_epoch_millis"`
}

func (s *Submitter) putBatchWithBackoff(ctx context.Context, tasks []model.Task) error {
	base := 50 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxPutBatchRetries; attempt++ {
		err := s.st.PutBatch(ctx, tasks, s.cfg.StatePartitions)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isThrottled(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(model.BackoffJitter(base)):
		}
		base *= 2
	}
	return lastErr
}

func isThrottled(err error) bool {
	return errors.Is(err, model.ErrThrottled)
}

func (s *Submitter) publish(topic string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, payload)
}
