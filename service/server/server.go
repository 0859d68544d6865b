package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/config"
	"github.com/brojonat/tipwatch/service/metrics"
	"github.com/brojonat/tipwatch/service/monitor"
)

// DefaultKeepaliveInterval is how often SSE streams send a keepalive comment.
const DefaultKeepaliveInterval = 10 * time.Second

// Server exposes one monitor scope over HTTP.
type Server struct {
	addr      string
	cfg       *config.Config
	scope     *monitor.Scope
	chains    *chain.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	keepalive time.Duration
	server    *http.Server

	// ctx outlives requests; monitors started over HTTP run until stopped or shutdown.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new HTTP server with the given dependencies.
// cfg supplies monitor defaults and may be nil. The metrics is optional - if nil,
// the /metrics endpoint won't be available.
func New(addr string, cfg *config.Config, scope *monitor.Scope, chains *chain.Registry, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		cfg:       cfg,
		scope:     scope,
		chains:    chains,
		metrics:   m,
		logger:    logger,
		keepalive: DefaultKeepaliveInterval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// WithKeepalive overrides the SSE keepalive interval.
func (s *Server) WithKeepalive(d time.Duration) *Server {
	if d > 0 {
		s.keepalive = d
	}
	return s
}

// Handler builds the routed handler. It is exported for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	store := s.scope.Store()

	// Notification feed
	s.route(mux, "GET /api/v1/notifications", handleListNotifications(store, s.logger))
	s.route(mux, "DELETE /api/v1/notifications", handleClearNotifications(store, s.logger))
	s.route(mux, "DELETE /api/v1/notifications/{id}", handleDismissNotification(store, s.logger))
	s.route(mux, "GET /api/v1/stream/notifications", handleStreamNotifications(store, s.keepalive, s.metrics, s.logger))

	// Monitors
	s.route(mux, "POST /api/v1/monitors/transactions", handleStartTransactionMonitor(s.ctx, s.scope, s.cfg, s.logger))
	s.route(mux, "POST /api/v1/monitors/balances", handleStartBalanceMonitor(s.ctx, s.scope, s.cfg, s.logger))
	s.route(mux, "POST /api/v1/monitors/relays", handleStartRelayMonitor(s.ctx, s.scope, s.cfg, s.logger))
	s.route(mux, "GET /api/v1/monitors", handleListMonitors(s.scope, s.logger))
	s.route(mux, "GET /api/v1/monitors/{id}", handleGetMonitor(s.scope, s.logger))
	s.route(mux, "DELETE /api/v1/monitors/{id}", handleStopMonitor(s.scope, s.logger))
	s.route(mux, "POST /api/v1/monitors/{id}/refresh", handleRefreshBalance(s.scope, s.logger))

	// Chains
	s.route(mux, "GET /api/v1/chains", handleListChains(s.chains))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// route registers h under pattern, recording request metrics under the pattern's path.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.Handler) {
	_, name, _ := strings.Cut(pattern, " ")
	mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener and blocks until the server stops.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown stops every monitor and the notification feed, then drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Closing the scope closes the store, which ends every SSE stream
	s.scope.Close()
	defer s.cancel()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
