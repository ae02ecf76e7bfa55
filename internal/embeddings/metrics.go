package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const embeddingsInstrumentationName = "github.com/fyrsmithlabs/testgen/internal/embeddings"

// Operations recorded by Metrics.
const (
	// OpIndex embeds document chunks for the project index.
	OpIndex = "index"
	// OpQuery embeds one retrieval query.
	OpQuery = "query"
)

// Metrics records embedding calls by provider, model and operation.
type Metrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	duration metric.Float64Histogram
	texts    metric.Int64Counter
	errors   metric.Int64Counter
}

// NewMetrics creates embedding metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(embeddingsInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.duration, err = m.meter.Float64Histogram(
		"testgen.embedding.request_duration_seconds",
		metric.WithDescription("Embedding call duration by provider, model and operation (index or query)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.texts, err = m.meter.Int64Counter(
		"testgen.embedding.texts_total",
		metric.WithDescription("Chunks and queries sent for embedding"),
		metric.WithUnit("{text}"),
	)
	if err != nil {
		m.logger.Warn("failed to create texts counter", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"testgen.embedding.errors_total",
		metric.WithDescription("Failed embedding calls by provider, model and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}
}

// Record records one embedding call covering n texts.
func (m *Metrics) Record(ctx context.Context, provider, model, op string, duration time.Duration, n int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("operation", op),
	)
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if err != nil {
		if m.errors != nil {
			m.errors.Add(ctx, 1, attrs)
		}
		return
	}
	if n > 0 && m.texts != nil {
		m.texts.Add(ctx, int64(n), attrs)
	}
}
