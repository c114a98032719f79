package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesCreatedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Total number of rides created"})
	RidesTimedOutTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_timed_out_total", Help: "Rides moved to no_response by the sweeper"})
	ClaimLatency       = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "claim_latency_seconds", Help: "Claim latency seconds"})

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "claims_total", Help: "Claim attempts by result"},
		[]string{"result"},
	)

	WorkersOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "workers_online", Help: "Number of connected workers"})
	RequestersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "requesters_online", Help: "Number of connected requesters"})

	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Realtime events published by type"},
		[]string{"type"},
	)
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Realtime events dropped on full session buffers"})

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by result"},
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
