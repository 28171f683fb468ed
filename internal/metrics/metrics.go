package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	realtimeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_realtime_events_total",
			Help: "Realtime events received, by event name",
		},
		[]string{"event"},
	)

	reconnectAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_realtime_reconnect_attempts_total",
			Help: "Total number of realtime reconnection attempts",
		},
	)

	staleResponsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_stale_responses_total",
			Help: "History pages discarded because the conversation changed",
		},
	)

	duplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_duplicates_dropped_total",
			Help: "Items dropped by id deduplication",
		},
		[]string{"kind"},
	)

	receiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_read_receipts_total",
			Help: "Seen signals, by outcome",
		},
		[]string{"outcome"},
	)

	notificationResyncsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_notification_resyncs_total",
			Help: "Full notification refetches triggered by partial live items",
		},
	)

	restDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_rest_request_duration_seconds",
			Help:    "REST call latency, by operation and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	backendConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "devserver_socket_connections",
			Help: "Sockets currently connected to the reference backend",
		},
	)

	backendMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devserver_messages_total",
			Help: "Messages handled by the reference backend, by outcome",
		},
		[]string{"outcome"},
	)
)

func RecordRealtimeEvent(event string) {
	realtimeEventsTotal.WithLabelValues(event).Inc()
}

func RecordReconnectAttempt() {
	reconnectAttemptsTotal.Inc()
}

func RecordStaleResponse() {
	staleResponsesTotal.Inc()
}

// RecordDuplicate counts an item dropped because its id was already held.
// kind is "message", "conversation" or "notification".
func RecordDuplicate(kind string) {
	duplicatesTotal.WithLabelValues(kind).Inc()
}

// RecordReceipt counts seen signals: "emitted", "dropped" or "failed".
func RecordReceipt(outcome string) {
	receiptsTotal.WithLabelValues(outcome).Inc()
}

func RecordNotificationResync() {
	notificationResyncsTotal.Inc()
}

func RecordRESTCall(operation, status string, duration time.Duration) {
	restDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
}

func SocketConnected() {
	backendConnections.Inc()
}

func SocketDisconnected() {
	backendConnections.Dec()
}

func RecordBackendMessage(outcome string) {
	backendMessagesTotal.WithLabelValues(outcome).Inc()
}
