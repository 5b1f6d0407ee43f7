package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/busybox42/mxverify/internal/api"
	"github.com/busybox42/mxverify/internal/config"
	"github.com/busybox42/mxverify/internal/logging"
	"github.com/spf13/cobra"
)

func newServerCmd(opts *options) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the verification API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}

			closer, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, slog.Default())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "API listen address (overrides config)")
	return cmd
}

func apiConfig(cfg *config.Config) api.Config {
	return api.Config{
		ListenAddr:      cfg.Server.Listen,
		Version:         version,
		MaxBatch:        cfg.API.MaxBatch,
		ShutdownTimeout: time.Duration(cfg.API.ShutdownTimeoutSeconds) * time.Second,
		WriteTimeout:    cfg.APIWriteTimeout(),
		RateLimit: api.RateLimitConfig{
			Enabled:           cfg.API.RateLimit.Enabled,
			RequestsPerSecond: cfg.API.RateLimit.RequestsPerSecond,
			Burst:             cfg.API.RateLimit.Burst,
			TrustedProxies:    cfg.API.RateLimit.TrustedProxies,
		},
		CORS:     api.CORSConfig{AllowedOrigins: cfg.API.CORSOrigins},
		LogLevel: logging.LevelVar,
	}
}

// runServer serves until ctx is cancelled, then shuts down gracefully
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Error closing cache store", "error", err)
		}
	}()

	server, err := api.NewServer(apiConfig(cfg), svc.verifier, svc.metrics, logger)
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info("mxverify started", "version", version, "listen", server.Addr(), "pid", os.Getpid())

	<-ctx.Done()
	logger.Info("Shutting down")

	if err := server.Stop(context.Background()); err != nil {
		return fmt.Errorf("error stopping API server: %w", err)
	}
	logger.Info("Shutdown complete")
	return nil
}
