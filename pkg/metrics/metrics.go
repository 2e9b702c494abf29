// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SyncOpsTotal tracks sync store operations by outcome.
	SyncOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_operations_total",
			Help: "Total synchronization core operations",
		},
		[]string{"op", "status"},
	)

	// SyncOpDuration tracks sync store operation duration.
	SyncOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_operation_duration_seconds",
			Help:    "Synchronization core operation duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"op"},
	)

	// FeedEventsTotal tracks change feed events received.
	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_events_total",
			Help: "Total change feed events received",
		},
		[]string{"type"},
	)

	// GatewayQueryDuration tracks persistence gateway query duration.
	GatewayQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_query_duration_seconds",
			Help:    "Persistence gateway query duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	// MessagesSentTotal tracks messages persisted, by thread kind.
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Total messages persisted",
		},
		[]string{"kind"},
	)

	// TypingActive tracks users currently flagged as typing.
	TypingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "typing_active",
			Help: "Users currently flagged as typing",
		},
	)

	// SessionsActive tracks live sync store sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_sessions_active",
			Help: "Live synchronization store sessions",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSyncOp records one synchronization core operation.
func RecordSyncOp(op, status string, duration float64) {
	SyncOpsTotal.WithLabelValues(op, status).Inc()
	SyncOpDuration.WithLabelValues(op).Observe(duration)
}
