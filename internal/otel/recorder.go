package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Recorder implements the timestamp(event) half of the record/timestamp
// telemetry contract gridcore's core assumes of its observability
// pipeline: named checkpoints within an in-flight operation, attached to
// whatever span is active on ctx.
type Recorder struct{}

// Timestamp appends a named breadcrumb to the span active on ctx. A
// context carrying no span (or a no-op span, when tracing is disabled)
// makes this a harmless no-op, so callers never need to guard it.
func (Recorder) Timestamp(ctx context.Context, event string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(event, trace.WithAttributes(attrs...))
}
