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

	// LLMStreamDuration tracks completion stream duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "Completion streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks streamed completion fragments.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total completion tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// SyncCyclesTotal counts finished sync cycles by result.
	SyncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_cycles_total",
			Help: "Total sync cycles run",
		},
		[]string{"result"},
	)

	// SyncCycleDuration tracks how long one push+pull cycle takes.
	SyncCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_cycle_duration_seconds",
			Help:    "Sync cycle duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// SyncRecordsPushed counts records upserted to the remote store.
	SyncRecordsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_records_pushed_total",
			Help: "Total records pushed to the remote store",
		},
		[]string{"table"},
	)

	// SyncPushFailures counts records whose push failed and stay dirty.
	SyncPushFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_push_failures_total",
			Help: "Total records that failed to push",
		},
		[]string{"table"},
	)

	// SyncRecordsPulled counts remote records applied locally by the pull phase.
	SyncRecordsPulled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_records_pulled_total",
			Help: "Total records pulled from the remote store",
		},
		[]string{"table"},
	)

	// RealtimeEventsTotal counts realtime change events applied locally.
	RealtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_total",
			Help: "Total realtime change events ingested",
		},
		[]string{"table", "type"},
	)

	// SyncOnline is 1 while the remote store is reachable.
	SyncOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_online",
			Help: "Whether the sync engine considers itself online",
		},
	)

	// NATSConsumerPending tracks pending messages for the change feed consumer.
	NATSConsumerPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_consumer_pending",
			Help: "Pending messages for NATS consumer",
		},
		[]string{"stream", "consumer"},
	)

	// ChatsTotal tracks chats created, including forks.
	ChatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chats_total",
			Help: "Total chats created",
		},
		[]string{"origin"},
	)

	// MessagesTotal tracks messages written by the conversation engine.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages sent",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for a completion stream.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordSyncCycle records the outcome of one sync cycle.
func RecordSyncCycle(result string, duration float64) {
	SyncCyclesTotal.WithLabelValues(result).Inc()
	SyncCycleDuration.Observe(duration)
}

// SetOnline records the connectivity state.
func SetOnline(online bool) {
	if online {
		SyncOnline.Set(1)
		return
	}
	SyncOnline.Set(0)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
