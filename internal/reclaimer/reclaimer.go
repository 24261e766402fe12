// Package reclaimer periodically scans the state table for leases past
// their heartbeat deadline and patches them back to PENDING (with queue
// visibility reset) or forward to FAILED once retries are exhausted. It is
// the only writer allowed to touch a task it did not itself claim.
package reclaimer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/opengrid/gridcore/internal/bus"
	"github.com/opengrid/gridcore/internal/model"
	gridotel "github.com/opengrid/gridcore/internal/otel"
	"github.com/opengrid/gridcore/internal/statetable"
	"github.com/opengrid/gridcore/internal/taskqueue"
)

// Throttle is consulted once per sweep; when it returns false the entire
// cycle is skipped without touching any partition, mirroring the
// upstream-backpressure skip behavior a throughput-provisioned ST backend
// would impose.
type Throttle interface {
	Allow(ctx context.Context) bool
}

type alwaysAllow struct{}

func (alwaysAllow) Allow(context.Context) bool { return true }

// Config holds the reclaimer's dependencies and tunables.
type Config struct {
	Store         *statetable.Ops
	Queue         *taskqueue.Queue
	Bus           *bus.Bus
	Metrics       *gridotel.Metrics
	Tracer        trace.Tracer
	Logger        *slog.Logger
	Interval      time.Duration // tick interval
	PageLimit     int           // rows per partition per sweep
	NumPartitions int
	MaxRetries    int
	Throttle      Throttle // nil means never skip
}

// Reclaimer runs the periodic sweep on a robfig/cron schedule, the same
// scheduling library the control plane's other periodic jobs use.
type Reclaimer struct {
	cfg Config

	cron *cronlib.Cron
}

// New validates cfg and fills in defaults.
func New(cfg Config) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.NumPartitions <= 0 {
		cfg.NumPartitions = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Throttle == nil {
		cfg.Throttle = alwaysAllow{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer("gridcore")
	}
	return &Reclaimer{cfg: cfg}
}

// Start begins the sweep schedule. Sweeps run on a robfig/cron job fired
// every r.cfg.Interval; Stop drains any sweep in flight before returning.
func (r *Reclaimer) Start(ctx context.Context) {
	r.cron = cronlib.New()
	spec := fmt.Sprintf("@every %s", r.cfg.Interval)
	if _, err := r.cron.AddFunc(spec, func() { r.Tick(ctx) }); err != nil {
		// r.cfg.Interval is always positive (defaulted in New), so AddFunc
		// can only fail here if the cron spec itself is malformed.
		r.cfg.Logger.Error("reclaimer: invalid schedule, sweeps disabled", "spec", spec, "error", err)
		return
	}
	r.cron.Start()
	r.cfg.Logger.Info("reclaimer started", "interval", r.cfg.Interval, "partitions", r.cfg.NumPartitions)
}

// Stop cancels the sweep schedule and waits for any in-flight sweep to
// finish.
func (r *Reclaimer) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.cfg.Logger.Info("reclaimer stopped")
}

// Tick runs one sweep across every partition. Exported so tests and a
// manual "reclaim now" operator command can drive it directly.
func (r *Reclaimer) Tick(ctx context.Context) {
	ctx, span := gridotel.StartSpan(ctx, r.cfg.Tracer, "reclaimer.tick")
	defer span.End()
	rec := gridotel.Recorder{}

	if !r.cfg.Throttle.Allow(ctx) {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.ReclaimerSkips.Add(ctx, 1)
		}
		r.publish(bus.TopicReclaimerCycleSkipped, bus.ReclaimerCycleEvent{SkippedReason: "throttled"})
		r.cfg.Logger.Warn("reclaimer cycle skipped", "reason", "throttled")
		rec.Timestamp(ctx, "skipped")
		return
	}
	r.publish(bus.TopicReclaimerCycleStarted, bus.ReclaimerCycleEvent{})

	now := time.Now().Unix()
	for partition := 0; partition < r.cfg.NumPartitions; partition++ {
		r.sweepPartition(ctx, partition, now)
	}
	rec.Timestamp(ctx, "swept")
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ReclaimerCycles.Add(ctx, 1)
	}
}

func (r *Reclaimer) sweepPartition(ctx context.Context, partition int, now int64) {
	expired, err := r.cfg.Store.QueryExpired(ctx, partition, now, r.cfg.PageLimit)
	if err != nil {
		r.cfg.Logger.Error("reclaimer: query_expired failed", "partition", partition, "error", err)
		return
	}

	reclaimed := 0
	for _, task := range expired {
		if r.reclaimOne(ctx, task) {
			reclaimed++
		}
	}
	if r.cfg.Metrics != nil && reclaimed > 0 {
		r.cfg.Metrics.ReclaimerReclaims.Add(ctx, int64(reclaimed))
	}
	r.publish(bus.TopicReclaimerCycleCompleted, bus.ReclaimerCycleEvent{
		Partition:      partition,
		ScannedCount:   len(expired),
		ReclaimedCount: reclaimed,
	})
}

// reclaimOne retries a leaked lease (incrementing retries, or failing it
// outright past MaxRetries) and resets the queue message's visibility so
// an agent can pick it up again. A reconciliation mismatch between ST and
// TQ (queue ack/extend fails for a reason other than "already gone") marks
// the task INCONSISTENT rather than silently dropping it.
func (r *Reclaimer) reclaimOne(ctx context.Context, task model.Task) bool {
	final, err := r.cfg.Store.Retry(ctx, task.TaskID, task.Owner, r.cfg.MaxRetries)
	if err != nil {
		// Lost the race to the agent finishing right as we scanned it, or
		// owner already changed; either way this task is no longer ours to
		// reclaim this cycle.
		return false
	}

	if r.cfg.Queue != nil && task.QueueHandle != "" {
		var resetErr error
		if final == model.StatePending {
			resetErr = r.cfg.Queue.ExtendLease(ctx, task.QueueHandle, 0, task.Priority)
		} else {
			resetErr = r.cfg.Queue.Ack(ctx, task.QueueHandle, task.Priority)
		}
		if resetErr != nil {
			if markErr := r.cfg.Store.MarkInconsistent(ctx, task.TaskID); markErr != nil {
				r.cfg.Logger.Error("reclaimer: mark_inconsistent failed", "task_id", task.TaskID, "error", markErr)
			}
			return false
		}
	}
	return true
}

func (r *Reclaimer) publish(topic string, payload any) {
	if r.cfg.Bus == nil {
		return
	}
	r.cfg.Bus.Publish(topic, payload)
}
