package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gochat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Transport metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gochat_connections_active",
			Help: "Open WebSocket connections",
		},
	)

	DroppedSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gochat_dropped_sends_total",
			Help: "Outbound events dropped because a connection was gone or its buffer was full",
		},
	)

	// Presence and event metrics
	UsersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gochat_users_online",
			Help: "Joined connections in the presence registry",
		},
	)

	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_events_received_total",
			Help: "Inbound client events by name",
		},
		[]string{"event"},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_events_emitted_total",
			Help: "Outbound events by name and audience",
		},
		[]string{"event", "audience"}, // "all", "others" or "one"
	)

	// Store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_store_operations_total",
			Help: "Message store operations by driver, op and result",
		},
		[]string{"driver", "op", "result"},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gochat_store_latency_seconds",
			Help:    "Message store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .5, 1},
		},
		[]string{"driver", "op"},
	)

	PersistQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gochat_persist_queue_dropped_total",
			Help: "Chat messages not persisted because the append queue was full",
		},
	)
)
