package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for gridcore spans.
var (
	AttrTaskID        = attribute.Key("gridcore.task.id")
	AttrSessionID     = attribute.Key("gridcore.session.id")
	AttrPartition     = attribute.Key("gridcore.partition")
	AttrAgentID       = attribute.Key("gridcore.agent.id")
	AttrState         = attribute.Key("gridcore.task.state")
	AttrRetries       = attribute.Key("gridcore.task.retries")
	AttrPriority      = attribute.Key("gridcore.task.priority")
	AttrQueueHandle   = attribute.Key("gridcore.queue.handle")
	AttrExecutorKind  = attribute.Key("gridcore.executor.kind")
	AttrOutcome       = attribute.Key("gridcore.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (submitter, query API).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (state table, blob store, executor).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
