package otel

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// TraceContextFrom returns the trace and span ids of the span in ctx, or
// empty strings when there is none.
func TraceContextFrom(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}

// LogTraceFields adds trace_id and span_id to a zerolog event when ctx
// carries a recording span:
//
//	log.Info().Str("document_id", id).Func(otel.LogTraceFields(ctx)).Msg("document redacted")
func LogTraceFields(ctx context.Context) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		traceID, spanID := TraceContextFrom(ctx)
		if traceID == "" {
			return
		}
		e.Str("trace_id", traceID).Str("span_id", spanID)
	}
}
