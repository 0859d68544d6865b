package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics; a nil
// *Metrics means "do not record".
type Metrics struct {
	// Monitor Metrics
	monitorsStartedTotal *prometheus.CounterVec
	monitorsActive       *prometheus.GaugeVec
	monitorUpdatesTotal  *prometheus.CounterVec
	monitorOutcomesTotal *prometheus.CounterVec

	// Notification Metrics
	notificationsActive       prometheus.Gauge
	notificationsExpiredTotal prometheus.Counter

	// Watch Service Metrics
	watchSubscriptionsActive *prometheus.GaugeVec
	watchMessagesDropped     *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec

	// Poller Metrics
	rpcCallsTotal       *prometheus.CounterVec
	rpcCallDuration     *prometheus.HistogramVec
	pollerWatchesActive *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		monitorsStartedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitors_started_total",
				Help: "Total number of monitor subscriptions opened, by monitor kind",
			},
			[]string{"kind"},
		),
		monitorsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "monitors_active",
				Help: "Number of monitors with an open subscription",
			},
			[]string{"kind"},
		),
		monitorUpdatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_updates_total",
				Help: "Total number of updates applied by monitors, by kind and status",
			},
			[]string{"kind", "status"},
		),
		monitorOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_outcomes_total",
				Help: "Total number of monitors reaching an outcome (completed, failed, unsupported_chain, subscription_error, cancelled)",
			},
			[]string{"kind", "outcome"},
		),

		notificationsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "notifications_active",
				Help: "Number of notifications currently held in the feed",
			},
		),
		notificationsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "notifications_expired_total",
				Help: "Total number of notifications removed by their expiry timer",
			},
		),

		watchSubscriptionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "watch_subscriptions_active",
				Help: "Number of open watch service subscriptions, by stream",
			},
			[]string{"stream"},
		),
		watchMessagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watch_messages_dropped_total",
				Help: "Total number of watch messages that could not be decoded",
			},
			[]string{"stream"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of messages published to NATS",
			},
			[]string{"stream", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"stream"},
		),

		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_calls_total",
				Help: "Total number of chain RPC calls made by pollers",
			},
			[]string{"family", "method", "status"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"family", "method"},
		),
		pollerWatchesActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "poller_watches_active",
				Help: "Number of watches a poller is serving, by kind",
			},
			[]string{"kind"},
		),
	}
}

// Monitor metric helpers

// RecordMonitorStarted records a monitor opening its subscription.
func (m *Metrics) RecordMonitorStarted(kind string) {
	if m == nil {
		return
	}
	m.monitorsStartedTotal.WithLabelValues(kind).Inc()
	m.monitorsActive.WithLabelValues(kind).Inc()
}

// RecordMonitorStopped records a monitor releasing its subscription.
func (m *Metrics) RecordMonitorStopped(kind string) {
	if m == nil {
		return
	}
	m.monitorsActive.WithLabelValues(kind).Dec()
}

// RecordMonitorUpdate records an update applied by a monitor.
func (m *Metrics) RecordMonitorUpdate(kind, status string) {
	if m == nil {
		return
	}
	m.monitorUpdatesTotal.WithLabelValues(kind, status).Inc()
}

// RecordMonitorOutcome records how a monitor run ended.
func (m *Metrics) RecordMonitorOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.monitorOutcomesTotal.WithLabelValues(kind, outcome).Inc()
}

// Notification metric helpers

// SetNotificationsActive sets the current feed size.
func (m *Metrics) SetNotificationsActive(n int) {
	if m == nil {
		return
	}
	m.notificationsActive.Set(float64(n))
}

// RecordNotificationExpired records a timer-driven removal.
func (m *Metrics) RecordNotificationExpired() {
	if m == nil {
		return
	}
	m.notificationsExpiredTotal.Inc()
}

// Watch service metric helpers

// RecordWatchSubscriptionChange records a change in open subscriptions for a stream.
func (m *Metrics) RecordWatchSubscriptionChange(stream string, delta float64) {
	if m == nil {
		return
	}
	m.watchSubscriptionsActive.WithLabelValues(stream).Add(delta)
}

// RecordWatchMessageDropped records an undecodable watch message.
func (m *Metrics) RecordWatchMessageDropped(stream string) {
	if m == nil {
		return
	}
	m.watchMessagesDropped.WithLabelValues(stream).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(stream, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(stream, status).Inc()
	m.natsPublishDuration.WithLabelValues(stream).Observe(duration)
}

// Poller metric helpers

// RecordRPCCall records a chain RPC call with its duration.
func (m *Metrics) RecordRPCCall(family, method, status string, duration float64) {
	if m == nil {
		return
	}
	m.rpcCallsTotal.WithLabelValues(family, method, status).Inc()
	m.rpcCallDuration.WithLabelValues(family, method).Observe(duration)
}

// RecordPollerWatchChange records a change in the watches a poller serves.
func (m *Metrics) RecordPollerWatchChange(kind string, delta float64) {
	if m == nil {
		return
	}
	m.pollerWatchesActive.WithLabelValues(kind).Add(delta)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
