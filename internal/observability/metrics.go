package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "surge_dispatch"

var (
	RidesSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_submitted_total", Help: "Total ride requests accepted for dispatch"})
	DriversOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_attempts_total", Help: "Resolved dispatch attempts by outcome"},
		[]string{"outcome"},
	)
	CascadesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cascades_finished_total", Help: "Dispatch cascades by terminal state"},
		[]string{"result"},
	)
	CascadesActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "cascades_active", Help: "Dispatch cascades currently offering"})
	OfferResponseSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "offer_response_seconds",
			Help:      "Time from offer to resolution",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 7, 10, 15},
		},
		[]string{"outcome"},
	)
	OfferDeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_delivery_failures_total", Help: "Offers that no channel could deliver"},
		[]string{"channel"},
	)

	SurgeMultiplier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "surge_multiplier", Help: "Current surge multiplier per zone"},
		[]string{"zone"},
	)
	SurgeOverridesActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "surge_overrides_active", Help: "Manual surge overrides currently in force"})
	SurgeTierChanges     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "surge_tier_changes_total", Help: "Demand driven tier escalations"},
		[]string{"zone", "direction"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events written to the stream"},
		[]string{"type", "status"},
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
