package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/john/streamhub/internal/api"
	"github.com/john/streamhub/internal/hub"
	"github.com/john/streamhub/internal/metrics"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay, chat bridge and HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log)
		slog.SetDefault(logger)
		logger.Info("Streamhub starting", "version", version, "config", resolveConfigPath())

		for _, p := range cfg.Platforms.EnabledNames() {
			logger.Info("Platform enabled", "platform", p)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		m := metrics.New()
		h, err := hub.New(cfg, hub.Options{Logger: logger, Metrics: m, Version: version})
		if err != nil {
			return err
		}
		if err := h.Start(ctx); err != nil {
			return err
		}

		srv := api.New(cfg.Server.Addr, h, api.Options{
			Token:   cfg.Server.Token,
			Metrics: m.Handler(),
			Logger:  logger,
		})
		serveErr := make(chan error, 1)
		go func() { serveErr <- srv.Start() }()

		logger.Info("All components started successfully")

		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, initiating graceful shutdown")
		case err = <-serveErr:
			logger.Error("API server stopped", "error", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down API server", "error", err)
		}
		if err := h.Shutdown(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("Shutdown timeout exceeded, forcing exit")
			} else {
				logger.Error("Error shutting down hub", "error", err)
			}
		} else {
			logger.Info("All components stopped gracefully")
		}
		return err
	},
}
