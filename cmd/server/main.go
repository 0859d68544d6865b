package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/config"
	"github.com/brojonat/tipwatch/service/metrics"
	"github.com/brojonat/tipwatch/service/monitor"
	natspkg "github.com/brojonat/tipwatch/service/nats"
	"github.com/brojonat/tipwatch/service/notify"
	"github.com/brojonat/tipwatch/service/server"
)

func main() {
	// A .env file is optional; real environment variables win
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Connect to NATS; status events, pollers and trackers all live behind it
	nc, err := natspkg.Connect(cfg.NATSURL, "tipwatch-server")
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	watcher, err := natspkg.NewWatchService(ctx, nc,
		natspkg.WithCacheSize(cfg.BalanceCacheSize),
		natspkg.WithWatchLogger(logger),
		natspkg.WithWatchMetrics(m),
	)
	if err != nil {
		logger.Error("failed to create watch service", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL, "stream", natspkg.StreamName)

	registry := chain.DefaultRegistry()
	store := notify.NewStore(
		notify.WithMaxNotifications(cfg.MaxNotifications),
		notify.WithLogger(logger),
		notify.WithMetrics(m),
	)
	scope := monitor.NewScope(monitor.Deps{
		Chains:       registry,
		Transactions: watcher,
		Balances:     watcher,
		Relays:       watcher,
		Logger:       logger,
		Metrics:      m,
	}, store)

	httpServer := server.New(cfg.ServerAddr, cfg, scope, registry, m, logger)

	logger.Info("server initialized, all dependencies ready",
		"chains", len(registry.Chains()),
		"max_notifications", cfg.MaxNotifications,
		"balance_poll_interval", cfg.BalancePollInterval,
		"relay_max_wait", cfg.RelayMaxWait,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		scope.Close()
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
