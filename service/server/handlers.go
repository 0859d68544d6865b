package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/config"
	"github.com/brojonat/tipwatch/service/monitor"
	"github.com/brojonat/tipwatch/service/notify"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxPollInterval    = 24 * time.Hour
)

// startResponse is returned by every monitor start endpoint.
type startResponse struct {
	ID             string       `json:"id"`
	Kind           monitor.Kind `json:"kind"`
	NotificationID string       `json:"notification_id,omitempty"`
	State          any          `json:"state"`
}

// refreshResponse is returned by the refresh endpoint.
type refreshResponse struct {
	Balance string `json:"balance"`
	State   any    `json:"state"`
}

// handleListNotifications returns the feed, newest first.
// GET /api/v1/notifications
func handleListNotifications(store *notify.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notifications := store.Notifications()
		logger.Debug("notifications listed", "count", len(notifications))
		writeJSON(w, map[string]any{
			"notifications": notifications,
		}, http.StatusOK)
	})
}

// handleClearNotifications empties the feed.
// DELETE /api/v1/notifications
func handleClearNotifications(store *notify.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		store.Clear()
		logger.Info("notifications cleared")
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleDismissNotification removes one notification.
// DELETE /api/v1/notifications/{id}
func handleDismissNotification(store *notify.Store, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := store.Get(id); !ok {
			writeError(w, "notification not found", http.StatusNotFound)
			return
		}
		store.Remove(id)
		logger.Debug("notification dismissed", "notification_id", id)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleStartTransactionMonitor starts watching a transaction.
// POST /api/v1/monitors/transactions
func handleStartTransactionMonitor(ctx context.Context, scope *monitor.Scope, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TxHash             string `json:"tx_hash"`
			ChainID            int64  `json:"chain_id"`
			NotificationID     string `json:"notification_id"`
			CreateNotification *bool  `json:"create_notification"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		opts := monitor.TransactionOptions{CreateNotification: req.CreateNotification == nil || *req.CreateNotification}
		if cfg != nil {
			opts.NotificationExpiry = cfg.TxNotificationExpiry
		}

		id, m, err := scope.NewTransactionMonitor(opts)
		if err != nil {
			writeError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := m.Start(ctx, req.TxHash, req.ChainID, req.NotificationID); err != nil {
			scope.Remove(id)
			logger.Debug("failed to start transaction monitor", "tx_hash", req.TxHash, "chain_id", req.ChainID, "error", err)
			writeError(w, err.Error(), statusFor(err))
			return
		}

		st := m.Snapshot()
		logger.Info("transaction monitor started", "monitor_id", id, "tx_hash", req.TxHash, "chain_id", req.ChainID)
		writeJSON(w, startResponse{ID: id, Kind: m.Kind(), NotificationID: st.NotificationID, State: st}, http.StatusCreated)
	})
}

// handleStartBalanceMonitor starts polling an account balance.
// POST /api/v1/monitors/balances
func handleStartBalanceMonitor(ctx context.Context, scope *monitor.Scope, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Address          string   `json:"address"`
			ChainID          int64    `json:"chain_id"`
			Token            string   `json:"token"`
			PollInterval     string   `json:"poll_interval"`
			Threshold        *float64 `json:"threshold"`
			NotifyOnIncrease *bool    `json:"notify_on_increase"`
			NotifyOnDecrease *bool    `json:"notify_on_decrease"`
			Decimals         *int     `json:"decimals"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		opts := monitor.BalanceOptions{
			NotifyOnIncrease: req.NotifyOnIncrease == nil || *req.NotifyOnIncrease,
			NotifyOnDecrease: req.NotifyOnDecrease == nil || *req.NotifyOnDecrease,
			Decimals:         req.Decimals,
		}
		if cfg != nil {
			opts.PollInterval = cfg.BalancePollInterval
			opts.Threshold = cfg.BalanceChangeThreshold
			opts.RefreshMaxWait = cfg.RefreshMaxWait
		}
		if req.PollInterval != "" {
			interval, err := time.ParseDuration(req.PollInterval)
			if err != nil {
				writeError(w, "invalid poll_interval: must be a duration like 10s", http.StatusBadRequest)
				return
			}
			if interval < config.MinBalancePollInterval || interval > maxPollInterval {
				writeError(w, "poll_interval must be between 1s and 24h", http.StatusBadRequest)
				return
			}
			opts.PollInterval = interval
		}
		if req.Threshold != nil {
			if *req.Threshold <= 0 || *req.Threshold > 1 {
				writeError(w, "threshold must be in (0, 1]", http.StatusBadRequest)
				return
			}
			opts.Threshold = *req.Threshold
		}
		if req.Decimals != nil && (*req.Decimals < 0 || *req.Decimals > 36) {
			writeError(w, "decimals must be between 0 and 36", http.StatusBadRequest)
			return
		}

		id, m, err := scope.NewBalanceMonitor(opts)
		if err != nil {
			writeError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := m.Start(ctx, req.Address, req.ChainID, req.Token); err != nil {
			scope.Remove(id)
			logger.Debug("failed to start balance monitor", "address", req.Address, "chain_id", req.ChainID, "error", err)
			writeError(w, err.Error(), statusFor(err))
			return
		}

		logger.Info("balance monitor started", "monitor_id", id, "address", req.Address, "chain_id", req.ChainID, "token", req.Token)
		writeJSON(w, startResponse{ID: id, Kind: m.Kind(), State: m.Snapshot()}, http.StatusCreated)
	})
}

// handleStartRelayMonitor starts tracking a cross-chain relay.
// POST /api/v1/monitors/relays
func handleStartRelayMonitor(ctx context.Context, scope *monitor.Scope, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RelayID            string `json:"relay_id"`
			SourceChainID      int64  `json:"source_chain_id"`
			DestinationChainID int64  `json:"destination_chain_id"`
			SourceTxHash       string `json:"source_tx_hash"`
			MaxWait            string `json:"max_wait"`
			CreateNotification *bool  `json:"create_notification"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		opts := monitor.RelayOptions{CreateNotification: req.CreateNotification == nil || *req.CreateNotification}
		if cfg != nil {
			opts.MaxWait = cfg.RelayMaxWait
			opts.NotificationExpiry = cfg.RelayNotificationExpiry
		}
		if req.MaxWait != "" {
			maxWait, err := time.ParseDuration(req.MaxWait)
			if err != nil || maxWait <= 0 {
				writeError(w, "invalid max_wait: must be a positive duration like 10m", http.StatusBadRequest)
				return
			}
			opts.MaxWait = maxWait
		}

		id, m, err := scope.NewRelayMonitor(opts)
		if err != nil {
			writeError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := m.Start(ctx, req.RelayID, req.SourceChainID, req.DestinationChainID, req.SourceTxHash); err != nil {
			scope.Remove(id)
			logger.Debug("failed to start relay monitor", "relay_id", req.RelayID, "error", err)
			writeError(w, err.Error(), statusFor(err))
			return
		}

		st := m.Snapshot()
		logger.Info("relay monitor started", "monitor_id", id, "relay_id", req.RelayID,
			"source_chain_id", req.SourceChainID, "destination_chain_id", req.DestinationChainID)
		writeJSON(w, startResponse{ID: id, Kind: m.Kind(), NotificationID: st.NotificationID, State: st}, http.StatusCreated)
	})
}

// handleListMonitors lists registered monitors, optionally filtered by kind.
// GET /api/v1/monitors?kind={transaction|balance|relay}
func handleListMonitors(scope *monitor.Scope, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := monitor.Kind(r.URL.Query().Get("kind"))
		switch kind {
		case "", monitor.KindTransaction, monitor.KindBalance, monitor.KindRelay:
		default:
			writeError(w, "kind must be one of transaction, balance, relay", http.StatusBadRequest)
			return
		}

		monitors := scope.List(kind)
		logger.Debug("monitors listed", "kind", kind, "count", len(monitors))
		writeJSON(w, map[string]any{
			"monitors": monitors,
			"counts":   scope.Kinds(),
		}, http.StatusOK)
	})
}

// handleGetMonitor returns one monitor's state.
// GET /api/v1/monitors/{id}
func handleGetMonitor(scope *monitor.Scope, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		m, ok := scope.Get(id)
		if !ok {
			writeError(w, "monitor not found", http.StatusNotFound)
			return
		}
		writeJSON(w, monitor.Info{ID: id, Kind: m.Kind(), State: m.State()}, http.StatusOK)
	})
}

// handleStopMonitor stops and forgets a monitor.
// DELETE /api/v1/monitors/{id}
func handleStopMonitor(scope *monitor.Scope, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !scope.Remove(id) {
			writeError(w, "monitor not found", http.StatusNotFound)
			return
		}
		logger.Info("monitor stopped", "monitor_id", id)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleRefreshBalance re-reads a balance monitor's account. With tx_hash the read waits
// for that transaction to settle first. An empty body is allowed.
// POST /api/v1/monitors/{id}/refresh
func handleRefreshBalance(scope *monitor.Scope, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		m, ok := scope.Get(id)
		if !ok {
			writeError(w, "monitor not found", http.StatusNotFound)
			return
		}
		bm, ok := m.(*monitor.BalanceMonitor)
		if !ok {
			writeError(w, "only balance monitors can be refreshed", http.StatusBadRequest)
			return
		}

		var req struct {
			TxHash  string `json:"tx_hash"`
			MaxWait string `json:"max_wait"`
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		var (
			balance string
			err     error
		)
		if req.TxHash != "" {
			var maxWait time.Duration
			if req.MaxWait != "" {
				maxWait, err = time.ParseDuration(req.MaxWait)
				if err != nil {
					writeError(w, "invalid max_wait: must be a duration like 30s", http.StatusBadRequest)
					return
				}
			}
			balance, err = bm.RefreshAfterTransaction(r.Context(), req.TxHash, maxWait)
		} else {
			balance, err = bm.RefreshBalance(r.Context())
		}
		if err != nil {
			logger.Warn("balance refresh failed", "monitor_id", id, "tx_hash", req.TxHash, "error", err)
			writeError(w, err.Error(), statusFor(err))
			return
		}

		writeJSON(w, refreshResponse{Balance: balance, State: bm.Snapshot()}, http.StatusOK)
	})
}

// handleListChains returns the supported chains.
// GET /api/v1/chains
func handleListChains(chains *chain.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"chains": chains.Chains(),
		}, http.StatusOK)
	})
}

// statusFor maps monitor errors to HTTP status codes.
func statusFor(err error) int {
	var subErr *monitor.SubscriptionError
	switch {
	case errors.Is(err, monitor.ErrUnsupportedChain), errors.Is(err, monitor.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, monitor.ErrNotStarted):
		return http.StatusConflict
	case errors.As(err, &subErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a size-limited JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, logger *slog.Logger) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug("failed to decode request", "path", r.URL.Path, "error", err)
		if strings.Contains(err.Error(), "http: request body too large") {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
