package http

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/testgen/internal/http"

// Route groups used as the "group" label.
const (
	groupRuns      = "runs"
	groupReview    = "review"
	groupStream    = "stream"
	groupDocuments = "documents"
	groupIndex     = "index"
	groupArtifacts = "artifacts"
	groupRedact    = "redact"
	groupOps       = "ops"
	groupUnmatched = "unmatched"
)

// HTTPMetrics records gateway traffic by route group.
type HTTPMetrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	uploadSize  metric.Int64Histogram
	openStreams metric.Int64UpDownCounter
}

// NewHTTPMetrics creates gateway metrics on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{
		meter:  otel.Meter(httpInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.requests, err = m.meter.Int64Counter(
		"testgen.http.requests_total",
		metric.WithDescription("Gateway requests by route group, route pattern, method and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create requests counter", zap.Error(err))
	}

	// Streams stay open for the whole run, so they are excluded here.
	m.duration, err = m.meter.Float64Histogram(
		"testgen.http.request_duration_seconds",
		metric.WithDescription("Duration of non-streaming gateway requests by route group"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.uploadSize, err = m.meter.Int64Histogram(
		"testgen.http.upload_size_bytes",
		metric.WithDescription("Size of uploaded requirement documents"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1<<10, 16<<10, 64<<10, 256<<10, 1<<20, 4<<20, 16<<20),
	)
	if err != nil {
		m.logger.Warn("failed to create upload size histogram", zap.Error(err))
	}

	m.openStreams, err = m.meter.Int64UpDownCounter(
		"testgen.http.open_streams",
		metric.WithDescription("Run event streams currently open, by transport (sse or websocket)"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		m.logger.Warn("failed to create open streams gauge", zap.Error(err))
	}
}

// MetricsMiddleware returns an Echo middleware that records gateway metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			route := normalizePath(c.Path())
			group := routeGroup(route)

			transport := streamTransport(route)
			if transport != "" && m.openStreams != nil {
				streamAttrs := metric.WithAttributes(attribute.String("transport", transport))
				m.openStreams.Add(ctx, 1, streamAttrs)
				defer m.openStreams.Add(ctx, -1, streamAttrs)
			}

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			attrs := metric.WithAttributes(
				attribute.String("method", req.Method),
				attribute.String("route", route),
				attribute.String("group", group),
				attribute.Int("status", status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if transport == "" && m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if group == groupDocuments && req.Method == echo.POST && req.ContentLength > 0 && m.uploadSize != nil {
				m.uploadSize.Record(ctx, req.ContentLength, metric.WithAttributes(attribute.Int("status", status)))
			}
			return err
		}
	}
}

// normalizePath returns the route pattern used as the route label. Echo
// reports patterns such as /api/v1/runs/:run_id, so run and document IDs
// never become label values. Unmatched requests have an empty path.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// routeGroup maps a route pattern to the gateway area it belongs to.
func routeGroup(route string) string {
	switch route {
	case "/health", "/metrics":
		return groupOps
	case "/":
		return groupUnmatched
	}

	rest, ok := strings.CutPrefix(route, "/api/v1/")
	if !ok {
		return groupUnmatched
	}
	parts := strings.Split(rest, "/")
	switch parts[0] {
	case "runs":
		switch {
		case streamTransport(route) != "":
			return groupStream
		case strings.HasSuffix(route, "/feedback"):
			return groupReview
		}
		return groupRuns
	case "documents":
		return groupDocuments
	case "redact":
		return groupRedact
	case "projects":
		if len(parts) >= 3 {
			switch parts[2] {
			case "documents":
				return groupDocuments
			case "index":
				return groupIndex
			case "artifacts":
				return groupArtifacts
			}
		}
	}
	return groupUnmatched
}

// streamTransport names the transport of a run event stream route, or "".
func streamTransport(route string) string {
	if !strings.HasPrefix(route, "/api/v1/runs/") {
		return ""
	}
	switch {
	case strings.HasSuffix(route, "/events"):
		return "sse"
	case strings.HasSuffix(route, "/ws"):
		return "websocket"
	}
	return ""
}
