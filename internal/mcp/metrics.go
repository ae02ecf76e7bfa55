package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/ingest"
	"github.com/fyrsmithlabs/testgen/internal/runs"
)

const instrumentationName = "github.com/fyrsmithlabs/testgen/internal/mcp"

// Metrics records tool invocations. Every series carries the tool name and
// its category (pipeline, documents, artifacts or search).
type Metrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	errors      metric.Int64Counter
	inFlight    metric.Int64UpDownCounter
}

// NewMetrics creates tool metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error

	m.invocations, err = m.meter.Int64Counter(
		"testgen.mcp.tool.invocations_total",
		metric.WithDescription("MCP tool calls by tool and category"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create invocations counter", zap.Error(err))
	}

	// pipeline_start and pipeline_feedback may wait for a whole segment.
	m.duration, err = m.meter.Float64Histogram(
		"testgen.mcp.tool.duration_seconds",
		metric.WithDescription("MCP tool call duration by tool and category"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.25, 1, 5, 15, 60, 180, 600),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.errors, err = m.meter.Int64Counter(
		"testgen.mcp.tool.errors_total",
		metric.WithDescription("Failed MCP tool calls by tool, category and reason"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}

	m.inFlight, err = m.meter.Int64UpDownCounter(
		"testgen.mcp.tool.in_flight",
		metric.WithDescription("MCP tool calls currently running, by category"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		m.logger.Warn("failed to create in-flight gauge", zap.Error(err))
	}
}

func toolAttrs(tool *ToolMetadata) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("tool", tool.Name),
		attribute.String("category", string(tool.Category)),
	}
}

// Track marks a call of tool as running and returns the function that
// records its outcome.
func (m *Metrics) Track(ctx context.Context, tool *ToolMetadata) func(err error) {
	start := time.Now()
	category := metric.WithAttributes(attribute.String("category", string(tool.Category)))
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, category)
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, category)
		}
		m.RecordInvocation(ctx, tool, time.Since(start), err)
	}
}

// RecordInvocation records one finished tool call.
func (m *Metrics) RecordInvocation(ctx context.Context, tool *ToolMetadata, duration time.Duration, err error) {
	attrs := toolAttrs(tool)
	if m.invocations != nil {
		m.invocations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		attrs = append(attrs, attribute.String("reason", categorizeError(err)))
		m.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// categorizeError buckets an error into a low-cardinality reason.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, runs.ErrNotFound), errors.Is(err, ingest.ErrNotFound):
		return "not_found"
	case errors.Is(err, runs.ErrNotAwaitingReview):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "required") || strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "unknown") || strings.Contains(msg, "unsupported"):
		return "validation_error"
	case strings.Contains(msg, "not found"):
		return "not_found"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "vector") || strings.Contains(msg, "embedding") || strings.Contains(msg, "bucket"):
		return "storage_error"
	default:
		return "internal_error"
	}
}
