package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testgen/internal/events"
	"github.com/fyrsmithlabs/testgen/internal/ingest"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
	"github.com/fyrsmithlabs/testgen/internal/repository"
	"github.com/fyrsmithlabs/testgen/internal/runs"
	"github.com/fyrsmithlabs/testgen/internal/secrets"
)

// Runs is the run service the pipeline tools drive.
type Runs interface {
	StartRun(ctx context.Context, req runs.StartRequest) (runs.Handle, error)
	SubmitFeedback(ctx context.Context, runID string, feedback pipeline.Feedback) error
	Subscribe(ctx context.Context, runID string) (<-chan *events.Event, error)
	Get(ctx context.Context, runID string) (*runs.Snapshot, error)
}

// Deps are the services behind the tools. Artifacts and Redactor are
// optional.
type Deps struct {
	Runs      Runs
	Documents *ingest.Service
	Artifacts repository.Repository
	Redactor  secrets.Redactor
}

// Server is an MCP server over the run service.
type Server struct {
	mcp      *mcp.Server
	deps     Deps
	registry *ToolRegistry
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name announced to clients (default: "testgen").
	Name string
	// Version is the announced version (default: "dev").
	Version string
	Logger  *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "testgen",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server and registers its tools.
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if deps.Runs == nil {
		return nil, fmt.Errorf("run service is required")
	}
	if deps.Documents == nil {
		return nil, fmt.Errorf("document service is required")
	}
	if deps.Redactor == nil {
		deps.Redactor = secrets.Noop{}
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		deps:     deps,
		registry: NewToolRegistry(),
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Registry returns the metadata of the registered tools.
func (s *Server) Registry() *ToolRegistry { return s.registry }

// Run serves the stdio transport until ctx ends or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session over transport, mainly for tests.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}

// addTool registers a tool with the SDK and the registry, wrapping the
// handler with metrics.
func addTool[In, Out any](s *Server, meta *ToolMetadata, h mcp.ToolHandlerFor[In, Out]) error {
	if err := s.registry.Register(meta); err != nil {
		return err
	}
	name := meta.Name
	mcp.AddTool(s.mcp, &mcp.Tool{Name: name, Description: meta.Description},
		func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
			done := s.metrics.Track(ctx, meta)
			res, out, err := h(ctx, req, in)
			done(err)
			if err != nil {
				s.logger.Debug("tool failed", zap.String("tool", name), zap.Error(err))
			}
			return res, out, err
		})
	return nil
}

// redact scrubs text bound for the client. Redaction failures pass the
// text through and are logged.
func (s *Server) redact(name, text string) string {
	if text == "" || !s.deps.Redactor.Enabled() {
		return text
	}
	res, err := s.deps.Redactor.Redact(name, text)
	if err != nil {
		s.logger.Warn("redaction failed", zap.String("source", name), zap.Error(err))
		return text
	}
	return res.Content
}
