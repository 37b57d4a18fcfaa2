package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/dativo-io/redact/internal/otel"

// Attribute keys for redaction spans and metrics. Span values never appear
// as attributes; only entity types, counts and identifiers do.
const (
	DocumentID     = attribute.Key("redact.document.id")
	RecognizerName = attribute.Key("redact.recognizer")
	SpanCount      = attribute.Key("redact.spans.count")
	EntityType     = attribute.Key("redact.entity_type")
	Outcome        = attribute.Key("redact.outcome")
	Stage          = attribute.Key("redact.stage")
)

var (
	documentsCounter metric.Int64Counter
	spansCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	metricsOnce      sync.Once
	metricsReady     bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	documentsCounter, err = meter.Int64Counter("redact.documents",
		metric.WithDescription("Documents processed, by outcome and final stage"))
	if err != nil {
		return
	}
	spansCounter, err = meter.Int64Counter("redact.spans",
		metric.WithDescription("Spans replaced, by entity type"))
	if err != nil {
		return
	}
	durationHist, err = meter.Float64Histogram("redact.duration",
		metric.WithDescription("Time to process one document"),
		metric.WithUnit("ms"))
	if err != nil {
		return
	}
	metricsReady = true
}

// RecordDocument counts a processed document and its duration.
func RecordDocument(ctx context.Context, outcome, stage string, d time.Duration) {
	metricsOnce.Do(initMetrics)
	if !metricsReady {
		return
	}
	attrs := metric.WithAttributes(Outcome.String(outcome), Stage.String(stage))
	documentsCounter.Add(ctx, 1, attrs)
	durationHist.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// RecordSpan counts one replaced span.
func RecordSpan(ctx context.Context, entityType string) {
	metricsOnce.Do(initMetrics)
	if !metricsReady {
		return
	}
	spansCounter.Add(ctx, 1, metric.WithAttributes(EntityType.String(entityType)))
}
