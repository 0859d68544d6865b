package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/config"
	"github.com/brojonat/tipwatch/service/evm"
	"github.com/brojonat/tipwatch/service/metrics"
	natspkg "github.com/brojonat/tipwatch/service/nats"
	"github.com/brojonat/tipwatch/service/poller"
	"github.com/brojonat/tipwatch/service/solana"
)

func main() {
	// A .env file is optional; real environment variables win
	_ = godotenv.Load()

	// Load and validate configuration from environment
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting poller worker",
		"nats_url", cfg.NATSURL,
		"tx_poll_interval", cfg.TxPollInterval,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Start metrics HTTP server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	// One reader per chain with a configured RPC endpoint
	registry := chain.DefaultRegistry()
	readers := make(map[int64]poller.Reader)
	for _, c := range registry.Chains() {
		switch c.Family {
		case chain.FamilySolana:
			if cfg.SolanaRPCURL == "" {
				continue
			}
			readers[c.ID] = solana.NewReader(solana.NewRPCClient(cfg.SolanaRPCURL), metricsCollector, logger)
			logger.Info("initialized solana reader", "chain", c.Name, "provider", providerName(cfg.SolanaRPCURL))
		case chain.FamilyEVM:
			rpcURL, ok := cfg.EVMRPCURLs[c.ID]
			if !ok {
				continue
			}
			client, err := evm.Dial(ctx, rpcURL)
			if err != nil {
				logger.Error("failed to dial EVM RPC", "chain", c.Name, "error", err)
				os.Exit(1)
			}
			defer client.Close()
			readers[c.ID] = evm.NewReader(client, metricsCollector, logger)
			logger.Info("initialized evm reader", "chain", c.Name, "provider", providerName(rpcURL))
		}
	}
	if len(readers) == 0 {
		logger.Warn("no RPC endpoints configured; set SOLANA_RPC_URL or EVM_RPC_URLS")
	}

	// Initialize NATS publisher for status events
	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer natsPublisher.Close()

	// Control and request/reply subjects use a separate core NATS connection
	nc, err := natspkg.Connect(cfg.NATSURL, "tipwatch-poller")
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	p, err := poller.New(natsPublisher, registry, readers,
		poller.WithTxPollInterval(cfg.TxPollInterval),
		poller.WithTxWatchTTL(cfg.TxWatchTTL),
		poller.WithCacheSize(cfg.BalanceCacheSize),
		poller.WithLogger(logger),
		poller.WithMetrics(metricsCollector),
	)
	if err != nil {
		logger.Error("failed to create poller", "error", err)
		os.Exit(1)
	}

	logger.Info("poller initialized, all dependencies ready", "chains", len(readers))

	// Run until a shutdown signal arrives
	if err := p.Run(ctx, nc); err != nil {
		logger.Error("poller error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
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

// providerName extracts a short identifier from an RPC URL for logging without leaking API keys.
// Examples:
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
//   - "https://base-mainnet.g.alchemy.com/v2/..." -> "alchemy"
//   - "https://mainnet.base.org" -> "mainnet.base.org"
func providerName(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return "unknown"
	}
	host := parsed.Hostname()
	for _, provider := range []string{"helius", "quiknode", "alchemy", "infura", "triton", "rpcpool"} {
		if strings.Contains(host, provider) {
			return provider
		}
	}
	return host
}
