package embeddings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

func newTestMetrics(t *testing.T) (*Metrics, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &Metrics{meter: mp.Meter(embeddingsInstrumentationName), logger: zap.NewNop()}
	m.init()
	return m, reader
}

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetrics_Record(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Record(ctx, "openai", "text-embedding-3-small", OpIndex, 100*time.Millisecond, 10, nil)
	m.Record(ctx, "openai", "text-embedding-3-small", OpQuery, 50*time.Millisecond, 1, nil)
	m.Record(ctx, "openai", "text-embedding-3-small", OpIndex, 25*time.Millisecond, 5, errors.New("generation failed"))

	data := collect(t, reader)

	hist, ok := data["testgen.embedding.request_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok, "duration histogram missing")
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
	assert.Len(t, hist.DataPoints, 2, "one series per operation")

	texts, ok := data["testgen.embedding.texts_total"].(metricdata.Sum[int64])
	require.True(t, ok, "texts counter missing")
	byOp := map[string]int64{}
	for _, dp := range texts.DataPoints {
		op, _ := dp.Attributes.Value("operation")
		provider, _ := dp.Attributes.Value("provider")
		assert.Equal(t, "openai", provider.AsString())
		byOp[op.AsString()] += dp.Value
	}
	assert.Equal(t, map[string]int64{OpIndex: 10, OpQuery: 1}, byOp, "failed calls are not counted as embedded")

	errs, ok := data["testgen.embedding.errors_total"].(metricdata.Sum[int64])
	require.True(t, ok, "errors counter missing")
	var total int64
	for _, dp := range errs.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(1), total)
}

func TestInstrument_RecordsProvider(t *testing.T) {
	m, reader := newTestMetrics(t)
	p := Instrument(stubProvider{}, "fastembed", "BAAI/bge-small-en-v1.5", m)

	_, err := p.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)

	texts, ok := collect(t, reader)["testgen.embedding.texts_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, texts.DataPoints, 1)
	provider, _ := texts.DataPoints[0].Attributes.Value("provider")
	assert.Equal(t, "fastembed", provider.AsString())
	assert.Equal(t, int64(3), texts.DataPoints[0].Value)
}
