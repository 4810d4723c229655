package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name for staffdir spans.
const TracerName = "github.com/jonesrussell/north-cloud/staffdir"

// Tracer starts spans for pipeline stages.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(TracerName)}
}

// TargetSpan starts the span covering one target run.
// Caller is responsible for calling span.End().
//
//nolint:spancheck // span is returned to caller who manages its lifecycle
func (t *Tracer) TargetSpan(ctx context.Context, targetID, directoryURL string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline.process_target",
		trace.WithAttributes(
			attribute.String("target.id", targetID),
			attribute.String("target.url", directoryURL),
		),
	)
}

// StageSpan starts a child span for one pipeline stage.
// Caller is responsible for calling span.End().
//
//nolint:spancheck // span is returned to caller who manages its lifecycle
func (t *Tracer) StageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline."+stage,
		trace.WithAttributes(attribute.String("pipeline.stage", stage)),
	)
}

// RecordError marks span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
