package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hubenschmidt/finguard-observability/internal/config"
	"github.com/hubenschmidt/finguard-observability/internal/telemetry"
	"github.com/hubenschmidt/finguard-observability/internal/trace"
	"github.com/hubenschmidt/finguard-observability/internal/ws"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	shutdownTracing, err := setupTracing(cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	hub := newTraceHub(logger)
	a, err := buildApp(ctx, cfg, logger, hub.publish)
	if err != nil {
		return err
	}
	defer a.Close()

	wsHandler := ws.NewHandler(ws.HandlerConfig{
		Orchestrator:  a.orch,
		NewStore:      a.NewStore,
		MaxConcurrent: cfg.Server.MaxConcurrentSessions,
		Logger:        logger,
	})

	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		orch:      a.orch,
		generator: a.generator,
		registry:  a.registry,
		models:    a.models,
		hub:       hub,
		wsHandler: wsHandler,
		logger:    logger.With(zap.String("component", "http")),
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		var reason string
		select {
		case sig := <-sigCh:
			reason = sig.String()
		case <-ctx.Done():
			reason = "context canceled"
		}
		logger.Info("shutting down", zap.String("reason", reason))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if a.models != nil && cfg.LLM.Engine == "ollama" {
			logger.Info("unloading ollama models")
			if err := a.models.UnloadAll(shutdownCtx); err != nil {
				logger.Warn("ollama unload", zap.Error(err))
			}
		}
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("finguard starting",
		zap.String("addr", addr),
		zap.Int("max_concurrent", cfg.Server.MaxConcurrentSessions),
		zap.String("llm_engine", cfg.LLM.Engine),
		zap.String("retrieval_backend", cfg.Retrieval.Backend),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	stats := a.orch.SessionStats()
	logger.Info("finguard stopped",
		zap.Int("queries", stats.TotalQueries),
		zap.Float64("total_cost_usd", stats.TotalCostUSD),
	)
	return nil
}

// setupTracing installs the stdout span exporter when enabled. The returned
// func flushes pending spans.
func setupTracing(c config.TelemetryConfig, logger *zap.Logger) (func(), error) {
	if !c.Stdout {
		return func() {}, nil
	}
	tp, err := telemetry.SetupStdout(c.ServiceName, os.Stdout, c.Pretty)
	if err != nil {
		return nil, err
	}
	logger.Info("otel stdout exporter enabled", zap.String("service", c.ServiceName))
	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("otel shutdown", zap.Error(err))
		}
	}, nil
}

// logEvent records terminal trace events for commands without an SSE hub.
func logEvent(logger *zap.Logger) func(trace.Event) {
	return func(ev trace.Event) {
		logger.Debug("trace event", zap.String("kind", ev.Kind), zap.String("trace_id", ev.Trace.ID))
	}
}
