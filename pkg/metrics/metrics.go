package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatd_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_connections_rejected_total",
			Help: "Connections refused by the connection limiter",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatd_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)
)

// Protocol metrics
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_requests_total",
			Help: "Requests handled, by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatd_request_duration_seconds",
			Help:    "Time spent serving a request",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"operation"},
	)

	FramesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_frames_rejected_total",
			Help: "Frames that could not be served",
		},
		[]string{"reason"},
	)
)

// Store metrics
var (
	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatd_messages_sent_total",
			Help: "Messages appended to a mailbox",
		},
	)

	MessagesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatd_messages_read_total",
			Help: "Messages marked read by ReadUnreadMessages",
		},
	)

	AccountsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatd_accounts_current",
			Help: "Number of accounts",
		},
	)

	MessagesCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatd_messages_current",
			Help: "Messages held across all mailboxes",
		},
	)

	UnreadCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatd_unread_messages_current",
			Help: "Unread messages across all mailboxes",
		},
	)
)

// Persistence metrics
var (
	SnapshotFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_snapshot_flushes_total",
			Help: "Snapshot save attempts",
		},
		[]string{"status"},
	)

	SnapshotFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatd_snapshot_flush_duration_seconds",
			Help:    "Time spent writing a snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)
)

// SMTP gateway metrics
var (
	SMTPDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatd_smtp_deliveries_total",
			Help: "Messages delivered through the SMTP gateway",
		},
		[]string{"status"},
	)
)
