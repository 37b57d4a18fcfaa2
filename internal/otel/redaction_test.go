package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecordMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	ctx := context.Background()
	RecordDocument(ctx, "done", "done", 12*time.Millisecond)
	RecordDocument(ctx, "failed", "recognized", time.Millisecond)
	RecordSpan(ctx, "EMAIL")
	RecordSpan(ctx, "EMAIL")
	RecordSpan(ctx, "PERSON")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					got[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), got["redact.documents"])
	assert.Equal(t, int64(3), got["redact.spans"])
}

func TestAttributeKeys(t *testing.T) {
	assert.Equal(t, "redact.document.id", string(DocumentID))
	assert.Equal(t, "redact.entity_type", string(EntityType))
	kv := SpanCount.Int(3)
	assert.Equal(t, int64(3), kv.Value.AsInt64())
}
