package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Rides created, by vehicle tier"},
		[]string{"tier"},
	)
	// MatchOutcomes counts matching rounds by result: offered, no_drivers, skipped.
	MatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_outcomes_total", Help: "Matching rounds by outcome"},
		[]string{"outcome"},
	)
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	OffersDeclined  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_declined_total", Help: "Offers declined by drivers"})
	LockContention  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_lock_contention_total", Help: "Candidates skipped because another ride held their lock"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers that went online minus those that went offline since start"})
	TripsCompleted  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "trips_completed_total", Help: "Completed trips by vehicle tier"}, []string{"tier"})
	RidesCancelled  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_cancelled_total", Help: "Rides cancelled by riders"})
	PingsDropped    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_pings_dropped_total", Help: "Location pings that could not be published"})
	PaymentsTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "payments_total", Help: "Payments by final status"}, []string{"status"})
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_events_published_total", Help: "Ride events handed to the event log, by result"},
		[]string{"result"},
	)
	// EventsObserved is maintained by event log subscribers (in-process or the consumer binary).
	EventsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_events_observed_total", Help: "Ride events seen by observers, by type"},
		[]string{"type"},
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
