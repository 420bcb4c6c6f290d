package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the realtime server's Prometheus metrics.
//
// Every recording method is a no-op on a nil receiver.
type Metrics struct {
	// ActiveConnections is the number of open WebSocket connections.
	ActiveConnections prometheus.Gauge

	// ConnectionDuration measures connection lifetime in seconds.
	// Buckets: 1s, 10s, 60s, 300s, 900s, 3600s, 14400s
	ConnectionDuration prometheus.Histogram

	// OnlineUsers is the number of users with at least one live connection.
	OnlineUsers prometheus.Gauge

	// EventCounter counts protocol events.
	// Labels: event, direction (inbound|outbound)
	EventCounter *prometheus.CounterVec

	// MessageCounter counts send attempts.
	// Labels: type (text|file), status (delivered|rejected|error)
	MessageCounter *prometheus.CounterVec

	// ReadReceiptCounter counts read receipts written.
	// Labels: kind (single|batch)
	ReadReceiptCounter *prometheus.CounterVec

	// TypingSweepPurged counts stale typing states removed by the sweeper.
	TypingSweepPurged prometheus.Counter

	// TokenRotationCounter counts refresh rotations.
	// Labels: result (success|invalid|error)
	TokenRotationCounter *prometheus.CounterVec

	// AuthFailureCounter counts rejected credentials.
	// Labels: reason (expired|malformed|not_yet_valid|invalid|unknown_user)
	AuthFailureCounter *prometheus.CounterVec

	// StoreQueryDuration measures store call latency in seconds.
	// Labels: operation, status (success|error)
	StoreQueryDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// Prometheus default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parley_active_connections",
			Help: "Current number of open realtime connections",
		}),
		ConnectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_connection_duration_seconds",
			Help:    "Lifetime of realtime connections in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "parley_online_users",
			Help: "Current number of users with at least one live connection",
		}),
		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_events_total",
				Help: "Total number of realtime events by name and direction",
			},
			[]string{"event", "direction"},
		),
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_messages_total",
				Help: "Total number of send attempts by message type and status",
			},
			[]string{"type", "status"},
		),
		ReadReceiptCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_read_receipts_total",
				Help: "Total number of read receipts written",
			},
			[]string{"kind"},
		),
		TypingSweepPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "parley_typing_sweep_purged_total",
			Help: "Total number of stale typing states removed by the sweeper",
		}),
		TokenRotationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_token_rotations_total",
				Help: "Total number of refresh token rotations by result",
			},
			[]string{"result"},
		),
		AuthFailureCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_auth_failures_total",
				Help: "Total number of rejected credentials by reason",
			},
			[]string{"reason"},
		),
		StoreQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_store_query_duration_seconds",
				Help:    "Duration of store calls in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "status"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge and records the
// connection lifetime.
func (m *Metrics) ConnectionClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	m.ConnectionDuration.Observe(durationSeconds)
}

// UserOnline increments the online user gauge.
func (m *Metrics) UserOnline() {
	if m == nil {
		return
	}
	m.OnlineUsers.Inc()
}

// UserOffline decrements the online user gauge.
func (m *Metrics) UserOffline() {
	if m == nil {
		return
	}
	m.OnlineUsers.Dec()
}

// RecordEvent counts a protocol event.
//
// Example:
//
//	metrics.RecordEvent("send_message", "inbound")
func (m *Metrics) RecordEvent(event, direction string) {
	if m == nil {
		return
	}
	m.EventCounter.WithLabelValues(event, direction).Inc()
}

// RecordMessage counts a send attempt.
func (m *Metrics) RecordMessage(messageType, status string) {
	if m == nil {
		return
	}
	m.MessageCounter.WithLabelValues(messageType, status).Inc()
}

// RecordReadReceipts counts receipts written by a single or batch read.
func (m *Metrics) RecordReadReceipts(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.ReadReceiptCounter.WithLabelValues(kind).Add(float64(count))
}

// RecordTypingSweep counts stale typing states purged by one sweep.
func (m *Metrics) RecordTypingSweep(purged int) {
	if m == nil || purged <= 0 {
		return
	}
	m.TypingSweepPurged.Add(float64(purged))
}

// RecordTokenRotation counts a refresh rotation attempt.
func (m *Metrics) RecordTokenRotation(result string) {
	if m == nil {
		return
	}
	m.TokenRotationCounter.WithLabelValues(result).Inc()
}

// RecordAuthFailure counts a rejected credential.
func (m *Metrics) RecordAuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailureCounter.WithLabelValues(reason).Inc()
}

// RecordStoreQuery records the latency of a store call.
//
// Example:
//
//	start := time.Now()
//	err := store.CreateMessage(ctx, msg)
//	metrics.RecordStoreQuery("create_message", err, time.Since(start).Seconds())
func (m *Metrics) RecordStoreQuery(operation string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreQueryDuration.WithLabelValues(operation, status).Observe(durationSeconds)
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
