package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments backing the abstract record(name, value)
// contract: task lifecycle counters/durations, queue depth, and the
// reclaimer's throttle-skip behavior.
type Metrics struct {
	SubmitDuration    metric.Float64Histogram
	TaskClaimTotal    metric.Int64Counter
	TaskClaimDuration metric.Float64Histogram
	TaskFinalizeTotal metric.Int64Counter
	TaskRetryTotal    metric.Int64Counter
	TaskFailTotal     metric.Int64Counter
	TaskCancelTotal   metric.Int64Counter
	TaskDuration      metric.Float64Histogram
	QueueDepth        metric.Int64UpDownCounter
	ThrottledTotal    metric.Int64Counter
	ReclaimerCycles   metric.Int64Counter
	ReclaimerSkips    metric.Int64Counter
	ReclaimerReclaims metric.Int64Counter
	InconsistentTotal metric.Int64Counter
	HeartbeatTotal    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SubmitDuration, err = meter.Float64Histogram("gridcore.submit.duration",
		metric.WithDescription("Submission request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskClaimTotal, err = meter.Int64Counter("gridcore.task.claim.total",
		metric.WithDescription("Task claim attempts, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskClaimDuration, err = meter.Float64Histogram("gridcore.task.claim.duration",
		metric.WithDescription("Time from task visibility to successful claim, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFinalizeTotal, err = meter.Int64Counter("gridcore.task.finalize.total",
		metric.WithDescription("Tasks finalized as FINISHED"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskRetryTotal, err = meter.Int64Counter("gridcore.task.retry.total",
		metric.WithDescription("Tasks returned to PENDING for another attempt"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailTotal, err = meter.Int64Counter("gridcore.task.fail.total",
		metric.WithDescription("Tasks transitioned to FAILED"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskCancelTotal, err = meter.Int64Counter("gridcore.task.cancel.total",
		metric.WithDescription("Tasks transitioned to CANCELLED"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("gridcore.task.duration",
		metric.WithDescription("Wall-clock duration from submit to terminal state, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("gridcore.queue.depth",
		metric.WithDescription("Approximate visible message count per queue tier"),
	)
	if err != nil {
		return nil, err
	}

	m.ThrottledTotal, err = meter.Int64Counter("gridcore.store.throttled.total",
		metric.WithDescription("State table operations that returned THROTTLED"),
	)
	if err != nil {
		return nil, err
	}

	m.ReclaimerCycles, err = meter.Int64Counter("gridcore.reclaimer.cycles.total",
		metric.WithDescription("Reclaimer sweeps that ran to completion"),
	)
	if err != nil {
		return nil, err
	}

	m.ReclaimerSkips, err = meter.Int64Counter("gridcore.reclaimer.skipped.total",
		metric.WithDescription("Reclaimer cycles skipped due to sustained throttling"),
	)
	if err != nil {
		return nil, err
	}

	m.ReclaimerReclaims, err = meter.Int64Counter("gridcore.reclaimer.reclaimed.total",
		metric.WithDescription("Expired tasks reclaimed (retried or failed) by the sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.InconsistentTotal, err = meter.Int64Counter("gridcore.task.inconsistent.total",
		metric.WithDescription("Tasks marked INCONSISTENT after a queue/state-table mismatch"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatTotal, err = meter.Int64Counter("gridcore.agent.heartbeat.total",
		metric.WithDescription("Lease refresh heartbeats sent by agents, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
