package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3client_connections_total",
			Help: "Total number of connection attempts by result",
		},
		[]string{"result"},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pop3client_connections_current",
			Help: "Current number of established connections",
		},
	)

	TimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3client_timeouts_total",
			Help: "Total number of inactivity timeouts by kind",
		},
		[]string{"kind"},
	)

	BytesTransferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3client_bytes_transferred_total",
			Help: "Total bytes transferred by direction",
		},
		[]string{"direction"},
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3client_commands_total",
			Help: "Total number of commands executed by verb and outcome",
		},
		[]string{"verb", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pop3client_command_duration_seconds",
			Help:    "Duration of command round trips in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"verb"},
	)

	UnexpectedLinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pop3client_unexpected_lines_total",
			Help: "Total number of server lines dropped with no command in flight",
		},
	)
)

// Fetch metrics
var (
	MessagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3client_messages_fetched_total",
			Help: "Total number of messages fetched by result",
		},
		[]string{"result"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pop3client_message_size_bytes",
			Help:    "Size distribution of fetched messages",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 104857600},
		},
	)

	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pop3client_store_operations_total",
			Help: "Total number of local store operations by operation and status",
		},
		[]string{"operation", "status"},
	)
)
