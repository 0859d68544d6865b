package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/tipwatch/service/metrics"
	"github.com/brojonat/tipwatch/service/notify"
)

// handleStreamNotifications streams the notification feed over Server-Sent Events.
// Every change to the feed sends a full snapshot as a "notifications" event; the first
// snapshot is sent on connect. The stream ends when the client disconnects or the
// store is closed.
// GET /api/v1/stream/notifications
func handleStreamNotifications(store *notify.Store, keepaliveInterval time.Duration, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		// Streams outlive the server's write timeout
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
			logger.DebugContext(r.Context(), "could not clear write deadline", "error", err)
		}

		changes, unsubscribe := store.Subscribe()
		defer unsubscribe()

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		m.RecordSSEConnectionChange(1)
		defer m.RecordSSEConnectionChange(-1)

		logger.DebugContext(r.Context(), "SSE client connected", "remote_addr", r.RemoteAddr)

		send := func() bool {
			data, err := json.Marshal(store.Notifications())
			if err != nil {
				logger.WarnContext(r.Context(), "failed to marshal notifications", "error", err)
				return true
			}
			if _, err := fmt.Fprintf(w, "event: notifications\ndata: %s\n\n", data); err != nil {
				return false
			}
			flusher.Flush()
			m.RecordSSEEventSent("notifications")
			return true
		}

		if !send() {
			return
		}

		// Create ticker for keepalive comments
		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				// Send keepalive comment to prevent timeout
				if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()

			case _, open := <-changes:
				if !open {
					logger.DebugContext(r.Context(), "notification store closed, ending stream")
					return
				}
				if !send() {
					return
				}

			case <-r.Context().Done():
				// Client disconnected
				logger.DebugContext(r.Context(), "SSE client disconnected", "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}
