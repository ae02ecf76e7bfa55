package checkpoint

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/testgen/internal/checkpoint"

type instruments struct {
	tracer        trace.Tracer
	saveCounter   metric.Int64Counter
	loadCounter   metric.Int64Counter
	cacheCounter  metric.Int64Counter
	backendLabels metric.MeasurementOption
}

func newInstruments(backend string, logger *zap.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	in := &instruments{
		tracer:        otel.Tracer(instrumentationName),
		backendLabels: metric.WithAttributes(attribute.String("backend", backend)),
	}

	var err error
	in.saveCounter, err = meter.Int64Counter(
		"testgen.checkpoint.saves_total",
		metric.WithDescription("Checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		logger.Warn("failed to create save counter", zap.Error(err))
	}
	in.loadCounter, err = meter.Int64Counter(
		"testgen.checkpoint.loads_total",
		metric.WithDescription("Checkpoint loads by result"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		logger.Warn("failed to create load counter", zap.Error(err))
	}
	in.cacheCounter, err = meter.Int64Counter(
		"testgen.checkpoint.cache_lookups_total",
		metric.WithDescription("Checkpoint read cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		logger.Warn("failed to create cache counter", zap.Error(err))
	}
	return in
}

func (in *instruments) saved(ctx context.Context) {
	if in.saveCounter != nil {
		in.saveCounter.Add(ctx, 1, in.backendLabels)
	}
}

func (in *instruments) loaded(ctx context.Context, result string) {
	if in.loadCounter != nil {
		in.loadCounter.Add(ctx, 1, in.backendLabels, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (in *instruments) cache(ctx context.Context, hit bool) {
	if in.cacheCounter == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	in.cacheCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
