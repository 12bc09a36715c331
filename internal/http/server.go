// Package http provides the conveyor REST API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/ledger"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/pipeline"
)

// RunService is the run API exposed over HTTP. *orchestrator.Orchestrator
// satisfies it.
type RunService interface {
	Trigger(ctx context.Context, req orchestrator.TriggerRequest) (*pipeline.Run, error)
	Approve(ctx context.Context, req orchestrator.ApproveRequest) (*pipeline.Approval, error)
	Cancel(ctx context.Context, runID, reason string) (*pipeline.Run, error)
	Get(ctx context.Context, id string) (*pipeline.Run, error)
	List(ctx context.Context, f ledger.Filter) ([]*pipeline.Run, error)
	History(ctx context.Context, id string) ([]pipeline.Transition, error)
	Approvals(ctx context.Context, id string, stage pipeline.Stage) ([]pipeline.Approval, error)
	Active() []string
}

// Server provides HTTP endpoints for conveyor.
type Server struct {
	echo    *echo.Echo
	runs    RunService
	logger  *logging.Logger
	config  *Config
	metrics *HTTPMetrics
	checks  map[string]func() string
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithHandler mounts h for every method under prefix, e.g. the GitHub
// webhook receiver or the MCP endpoint.
func WithHandler(prefix string, h http.Handler) Option {
	return func(s *Server) {
		wrapped := echo.WrapHandler(h)
		s.echo.Any(prefix, wrapped)
		s.echo.Any(prefix+"/*", wrapped)
	}
}

// WithComponent reports status() under name in the health response.
func WithComponent(name string, status func() string) Option {
	return func(s *Server) {
		if s.checks == nil {
			s.checks = map[string]func() string{}
		}
		s.checks[name] = status
	}
}

// WithMetrics replaces the default request instruments.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a new HTTP server.
func NewServer(runs RunService, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8420,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New(validator.WithRequiredStructEnabled())}

	s := &Server{
		echo:   e,
		runs:   runs,
		logger: logger,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewHTTPMetrics(logger)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), rid)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleTrigger)
	v1.GET("/runs", s.handleList)
	v1.GET("/runs/:id", s.handleGet)
	v1.GET("/runs/:id/history", s.handleHistory)
	v1.GET("/runs/:id/approvals", s.handleListApprovals)
	v1.POST("/runs/:id/approvals", s.handleApprove)
	v1.POST("/runs/:id/cancel", s.handleCancel)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := s.Addr()
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
