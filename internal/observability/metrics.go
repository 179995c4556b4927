package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Total number of rides created"})
	RidesExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_expired_total", Help: "Pending rides auto-cancelled after the TTL"})
	AssignmentsTotal  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Driver assignment attempts by result"},
		[]string{"result"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Successful ride status transitions by target status"},
		[]string{"status"},
	)
	CandidatePoolSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidate_pool_size",
		Help:      "Eligible drivers near pickup when a ride is requested",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})
	QuoteDuration   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "quote_duration_seconds", Help: "Fare quote latency seconds"})
	SurgeMultiplier = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "surge_multiplier",
		Help:      "Surge multiplier applied to quotes",
		Buckets:   []float64{1, 1.1, 1.2, 1.5, 2, 2.5, 3},
	})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcasts_total", Help: "Realtime events published by event name"},
		[]string{"event"},
	)
	BroadcastsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcasts_dropped_total", Help: "Realtime deliveries dropped because a client queue was full"})
	WSClients         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_clients", Help: "Connected websocket clients"})

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_failed_total", Help: "Notifier failures by message kind"},
		[]string{"kind"},
	)
	IngestMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ingest_messages_total", Help: "Driver location messages consumed by result"},
		[]string{"result"},
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
