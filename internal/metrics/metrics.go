package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpparchive_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wpparchive_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "path"},
	)

	// Ingestion metrics
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpparchive_messages_ingested_total",
			Help: "Messages processed by the normalizer",
		},
		[]string{"source", "result"}, // source: live|history|call; result: stored|duplicate|skipped|error
	)

	MediaDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpparchive_media_downloads_total",
			Help: "Media download attempts",
		},
		[]string{"type", "result"},
	)

	AppEventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpparchive_app_events_total",
			Help: "Deletion and clear events recorded",
		},
		[]string{"event_type"},
	)

	AppErrorsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpparchive_app_errors_total",
			Help: "Diagnostic errors recorded",
		},
		[]string{"error_type"},
	)

	// Session metrics
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wpparchive_connection_state",
			Help: "1 for the current WhatsApp connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wpparchive_reconnect_attempts_total",
			Help: "Reconnect attempts scheduled by the backoff policy",
		},
	)

	// Command metrics
	CommandsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpparchive_commands_total",
			Help: "Text commands dispatched",
		},
		[]string{"command", "success"},
	)

	RepliesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpparchive_replies_total",
			Help: "Outbox replies delivered or failed",
		},
		[]string{"result"},
	)

	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpparchive_emails_total",
			Help: "Emails handed to the provider",
		},
		[]string{"provider", "result"},
	)

	ReportsRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wpparchive_reports_total",
			Help: "Scheduled daily report runs",
		},
		[]string{"result"},
	)
)

// SetConnectionState marks state as the single active connection state.
func SetConnectionState(state string, all ...string) {
	for _, s := range all {
		ConnectionState.WithLabelValues(s).Set(0)
	}
	ConnectionState.WithLabelValues(state).Set(1)
}
