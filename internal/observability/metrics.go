package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "driver_dispatch"

var (
	MatchingsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matchings_started_total", Help: "Matching rounds started, by outcome"},
		[]string{"outcome"},
	)

	OffersSent   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Job offers delivered to workers"})
	OffersFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_failed_total", Help: "Job offers that could not be delivered"})

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Messages pushed by type and result"},
		[]string{"type", "result"},
	)
	Responses = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "worker_responses_total", Help: "Worker responses by resulting action"},
		[]string{"action"},
	)

	Assignments    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Jobs assigned to a worker"})
	RacesLost      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "races_lost_total", Help: "Accepts that lost the conditional update"})
	WorkerTimeouts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "worker_timeouts_total", Help: "Worker offers that expired"})
	JobTimeouts    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "job_timeouts_total", Help: "Matchings that ended in TIMEOUT"})
	Cancellations  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "cancellations_total", Help: "Matchings cancelled"})

	AlertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "alerts_total", Help: "Operator alerts raised by kind"},
		[]string{"kind"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_latency_seconds",
		Help:      "Time from matching start to accepted assignment",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})

	ArmedTimers     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "armed_timers", Help: "Timers currently armed"})
	ActiveMatchings = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_matchings", Help: "Matchings with ACTIVE status at last health check"})
	HealthStatus    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "health_status", Help: "0=HEALTHY 1=WARNING 2=CRITICAL"})

	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Worker location updates by result"},
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
