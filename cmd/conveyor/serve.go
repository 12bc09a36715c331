package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/conveyor/internal/changes"
	"github.com/fyrsmithlabs/conveyor/internal/config"
	"github.com/fyrsmithlabs/conveyor/internal/executor"
	"github.com/fyrsmithlabs/conveyor/internal/gate"
	httpserver "github.com/fyrsmithlabs/conveyor/internal/http"
	"github.com/fyrsmithlabs/conveyor/internal/ledger"
	"github.com/fyrsmithlabs/conveyor/internal/logging"
	"github.com/fyrsmithlabs/conveyor/internal/mcp"
	"github.com/fyrsmithlabs/conveyor/internal/notify"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/secrets"
	"github.com/fyrsmithlabs/conveyor/internal/telemetry"
	"github.com/fyrsmithlabs/conveyor/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Start the HTTP API, the GitHub webhook receiver and (optionally) the MCP
endpoint, resume runs interrupted by a previous shutdown, and drive new
triggers until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(ctx, cfg)
	},
}

// serve wires every component and blocks until ctx is cancelled.
//
//  1. Initializes logger, telemetry and the secret redactor
//  2. Opens the run ledger
//  3. Builds the project graph, change source and gates
//  4. Creates the executor backend and notification dispatcher
//  5. Resumes non-terminal runs
//  6. Serves HTTP until shutdown, then drains in reverse order
func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry), telemetry.WithLogger(logger.Underlying()))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	redactor, err := secrets.NewRedactor()
	if err != nil {
		return fmt.Errorf("failed to initialize redactor: %w", err)
	}

	store, err := ledger.Open(ledger.ConfigFrom(cfg.Ledger, logger.Underlying()))
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	graph, err := buildGraph(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}
	src, err := buildSources(ctx, cfg, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	backend, backendCloser, err := executor.NewBackend(cfg.Executor)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to create executor backend: %w", err)
	}
	exec := executor.New(backend, executor.PolicyFromConfig(cfg.Executor),
		executor.WithLogger(logger),
		executor.WithRedactor(redactor),
	)

	sinks, err := notify.BuildSinks(cfg, src.github, &http.Client{Timeout: 15 * time.Second})
	if err != nil {
		_ = backendCloser.Close()
		_ = store.Close()
		return fmt.Errorf("failed to build notification sinks: %w", err)
	}
	dispatcher := notify.NewDispatcher(sinks, notify.PolicyFromConfig(cfg.Notify),
		notify.WithLogger(logger),
		notify.WithOutbox(store),
	)

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithTracer(tel.Tracer("github.com/fyrsmithlabs/conveyor/internal/orchestrator")),
		orchestrator.WithNotifier(dispatcher),
		orchestrator.WithAssessor(notify.NewKeywordAssessor(redactor)),
	}
	if src.changes != nil {
		opts = append(opts, orchestrator.WithChangeSource(src.changes))
	}
	if src.baseVersion != nil {
		opts = append(opts, orchestrator.WithBaseVersion(src.baseVersion))
	}
	orch := orchestrator.New(store,
		changes.NewDetector(graph, changes.PolicyFromConfig(cfg.Pipeline)),
		gate.NewController(cfg.Gates, store, nil),
		exec,
		orchestrator.Options{ReleaseBranch: cfg.Pipeline.ReleaseBranch, Workers: cfg.Executor.Workers},
		opts...,
	)

	logger.Info(ctx, "starting conveyor",
		zap.String("version", version),
		zap.Int("projects", graph.Len()),
		zap.String("executor", exec.Backend()),
		zap.Strings("sinks", dispatcher.Sinks()),
	)

	resumed, err := orch.Resume(ctx)
	if err != nil {
		logger.Error(ctx, "failed to resume runs", zap.Error(err))
	} else if resumed > 0 {
		logger.Info(ctx, "resumed interrupted runs", zap.Int("count", resumed))
	}

	srvOpts := []httpserver.Option{httpserver.WithComponent("telemetry", tel.Status)}
	if cfg.GitHub.WebhookSecret.IsSet() {
		rc, err := webhook.NewReceiver(orch, webhook.Config{
			Secret: cfg.GitHub.WebhookSecret,
			Rate:   cfg.Server.WebhookRate,
			Burst:  cfg.Server.WebhookBurst,
		}, logger)
		if err != nil {
			return err
		}
		srvOpts = append(srvOpts, httpserver.WithHandler("/webhooks/github", rc))
	} else {
		logger.Warn(ctx, "github.webhook_secret not set, webhook receiver disabled")
	}
	if cfg.Server.MCP {
		ms, err := mcp.NewServer(&mcp.Config{Name: "conveyor", Version: version, Logger: logger}, orch, redactor)
		if err != nil {
			return err
		}
		srvOpts = append(srvOpts, httpserver.WithHandler("/mcp", ms.Handler()))
	}

	srv, err := httpserver.NewServer(orch, logger, &httpserver.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}, srvOpts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(ctx, "shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return shutdown(shutdownCtx, logger, srv, orch, dispatcher, backendCloser, store, tel)
	})
	return g.Wait()
}

type closer interface{ Close() error }

// shutdown stops ingress first so no trigger arrives after the orchestrator
// has stopped, then releases resources in reverse order of creation.
func shutdown(ctx context.Context, logger *logging.Logger, srv *httpserver.Server, orch *orchestrator.Orchestrator,
	dispatcher *notify.Dispatcher, backend closer, store *ledger.Ledger, tel *telemetry.Telemetry) error {
	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := orch.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if err := dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notifications: %w", err))
	}
	if err := backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("executor backend: %w", err))
	}
	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}
	if err := tel.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		logger.Error(ctx, "shutdown completed with errors", zap.Error(err))
		return err
	}
	logger.Info(ctx, "conveyor stopped gracefully")
	return nil
}
