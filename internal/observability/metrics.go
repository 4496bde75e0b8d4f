package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bus_tracking"

var (
	SamplesIngested = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "samples_ingested_total", Help: "Position samples stored"})
	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "samples_rejected_total", Help: "Position samples refused by the hub"},
		[]string{"reason"},
	)
	IngestLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "ingest_latency_seconds", Help: "Store, predict and publish latency per sample"})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_sessions", Help: "Trips currently being tracked"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events delivered to subscriber buffers"},
		[]string{"type"},
	)
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events not delivered because the subscriber was gone or full"},
		[]string{"type"},
	)
	Subscribers       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "subscribers", Help: "Connected subscribers"})
	SubscribersPruned = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "subscribers_pruned_total", Help: "Subscribers removed after a failed publish"})
	SinkErrors        = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sink_errors_total", Help: "Failures forwarding events to external transports"},
		[]string{"sink"},
	)

	ETAComputations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "eta_computations_total", Help: "ETA estimates computed"},
		[]string{"source"},
	)
	ETAPersistErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "eta_persist_errors_total", Help: "ETA estimates that could not be written to the log"})
	ArrivalsTotal    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "arrivals_total", Help: "Stop arrivals recorded"},
		[]string{"on_time"},
	)
	OptimizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "route_optimize_seconds", Help: "Stop sequencing latency"})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_sent_total", Help: "Notifications handed to a delivery channel"},
		[]string{"channel", "result"},
	)
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dropped_total", Help: "Notifications dropped because the queue was full"})

	KafkaMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "kafka_messages_total", Help: "Position messages moved through kafka"},
		[]string{"direction", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
