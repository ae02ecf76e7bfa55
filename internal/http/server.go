// Package http serves the REST, SSE and WebSocket gateway of testgen.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/events"
	"github.com/fyrsmithlabs/testgen/internal/ingest"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
	"github.com/fyrsmithlabs/testgen/internal/runs"
	"github.com/fyrsmithlabs/testgen/internal/secrets"
)

// Runs is the run service behind the gateway.
type Runs interface {
	StartRun(ctx context.Context, req runs.StartRequest) (runs.Handle, error)
	SubmitFeedback(ctx context.Context, runID string, feedback pipeline.Feedback) error
	Subscribe(ctx context.Context, runID string) (<-chan *events.Event, error)
	Get(ctx context.Context, runID string) (*runs.Snapshot, error)
	List(ctx context.Context, projectID string) []*runs.Snapshot
}

// Deps are the services a Server exposes. Artifacts and Redactor may be nil;
// their routes then answer 501.
type Deps struct {
	Runs      Runs
	Documents *ingest.Service
	Artifacts repository.Repository
	Redactor  secrets.Redactor
	Logger    *zap.Logger
}

// Server provides HTTP endpoints for testgen.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Heartbeat is the SSE comment and WebSocket ping interval.
	Heartbeat time.Duration
	// MaxUploadBytes bounds multipart uploads.
	MaxUploadBytes int64
}

const (
	defaultHeartbeat      = 15 * time.Second
	defaultMaxUploadBytes = 32 << 20
)

// NewServer creates a new HTTP server.
func NewServer(deps Deps, cfg *Config) (*Server, error) {
	if deps.Runs == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if deps.Documents == nil {
		return nil, fmt.Errorf("document service cannot be nil")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	logger := deps.Logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e.DefaultHTTPErrorHandler)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/redact", s.handleRedact)

	v1.POST("/documents/:project_id", s.handleUpload, middleware.BodyLimit(fmt.Sprintf("%dB", s.config.MaxUploadBytes)))
	v1.GET("/projects/:project_id/documents", s.handleListDocuments)
	v1.DELETE("/projects/:project_id/documents/:document_id", s.handleDeleteDocument)
	v1.GET("/projects/:project_id/index", s.handleIndexStats)
	v1.GET("/projects/:project_id/artifacts", s.handleListArtifacts)

	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:run_id", s.handleGetRun)
	v1.POST("/runs/:run_id/feedback", s.handleFeedback)
	v1.GET("/runs/:run_id/events", s.handleEvents)
	v1.GET("/runs/:run_id/ws", s.handleWebSocket)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRedact redacts secrets from the provided content.
func (s *Server) handleRedact(c echo.Context) error {
	if s.deps.Redactor == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "redaction is not configured")
	}
	var req RedactRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid redact request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content field is required")
	}

	res, err := s.deps.Redactor.Redact(req.Name, req.Content)
	if err != nil {
		return err
	}
	s.logger.Debug("redacted content",
		zap.Int("findings", len(res.Findings)),
		zap.Duration("duration", res.Duration),
	)
	return c.JSON(http.StatusOK, RedactResponse{
		Content:       res.Content,
		FindingsCount: len(res.Findings),
		Rules:         res.RuleIDs(),
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// errorHandler maps domain errors to status codes before echo renders them.
func errorHandler(next echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			he = echo.NewHTTPError(statusOf(err), err.Error())
		}
		next(he, c)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, runs.ErrNotFound),
		errors.Is(err, ingest.ErrNotFound),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runs.ErrNotAwaitingReview):
		return http.StatusConflict
	case errors.Is(err, runs.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
