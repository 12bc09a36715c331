package mcp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/conveyor/internal/ledger"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
	"github.com/fyrsmithlabs/conveyor/internal/secrets"
)

// RunService is the subset of the orchestrator the tools call.
type RunService interface {
	Get(ctx context.Context, id string) (*pipeline.Run, error)
	List(ctx context.Context, f ledger.Filter) ([]*pipeline.Run, error)
	Approve(ctx context.Context, req orchestrator.ApproveRequest) (*pipeline.Approval, error)
}

// Server registers the conveyor tools on an MCP server.
type Server struct {
	mcp      *mcp.Server
	runs     RunService
	redactor *secrets.Redactor
	metrics  *Metrics
	logger   *logging.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the implementation name reported to clients (default: "conveyor").
	Name string

	// Version is the implementation version (default: "dev").
	Version string

	Logger *logging.Logger
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{Name: "conveyor", Version: "dev", Logger: logging.Nop()}
}

// NewServer creates an MCP server backed by runs. redactor is optional.
func NewServer(cfg *Config, runs RunService, redactor *secrets.Redactor) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("run service is required")
	}
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	s := &Server{
		mcp:      mcp.NewServer(&mcp.Implementation{Name: cfg.Name, Version: cfg.Version}, nil),
		runs:     runs,
		redactor: redactor,
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Handler serves the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}

// Run serves the stdio transport until ctx is done or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

func (s *Server) redact(text string) string {
	if s.redactor == nil {
		return text
	}
	return s.redactor.String(text)
}
