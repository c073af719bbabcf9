package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Webhook metrics
	WebhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_webhooks_received_total",
			Help: "Total number of webhook deliveries by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// Queue metrics
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jobs_enqueued_total",
			Help: "Total number of jobs enqueued by queue and class",
		},
		[]string{"queue", "class"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jobs_completed_total",
			Help: "Total number of jobs completed by queue",
		},
		[]string{"queue"},
	)

	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jobs_failed_total",
			Help: "Total number of job failures by queue and error code",
		},
		[]string{"queue", "error_code"},
	)

	JobsDead = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jobs_dead_total",
			Help: "Total number of jobs moved to the dead-letter state by queue",
		},
		[]string{"queue"},
	)

	JobsStalled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jobs_stalled_total",
			Help: "Total number of reservations reclaimed by the stalled sweeper",
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_queue_depth",
			Help: "Current number of jobs by queue and state",
		},
		[]string{"queue", "state"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_job_duration_seconds",
			Help:    "Job processing duration in seconds by queue",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"queue"},
	)

	// Pool metrics
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_pool_containers",
			Help: "Number of pooled containers by state",
		},
		[]string{"state"},
	)

	PoolUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_pool_utilization",
			Help: "Fraction of pooled containers currently allocated",
		},
	)

	PoolWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_pool_waiters",
			Help: "Number of allocation requests waiting for a container",
		},
	)

	ContainersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_containers_created_total",
			Help: "Total number of sandbox containers created",
		},
	)

	ContainersQuarantined = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_containers_quarantined_total",
			Help: "Total number of containers quarantined",
		},
	)

	RunnersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_runners",
			Help: "Number of registered proxy runners by state",
		},
		[]string{"state"},
	)

	// Security metrics
	SecurityViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_security_violations_total",
			Help: "Total number of security rule violations by severity",
		},
		[]string{"severity"},
	)

	// HA metrics
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_is_leader",
			Help: "Whether this replica holds the leader lease (1 = leader)",
		},
	)

	LeaderGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_leader_generation",
			Help: "Generation number of the most recently observed leader lease",
		},
	)

	ComponentHealthGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_component_health",
			Help: "Component health (1 healthy, 0.5 degraded, 0 unhealthy)",
		},
		[]string{"component"},
	)

	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_failovers_total",
			Help: "Total number of failover orchestrations by component",
		},
		[]string{"component"},
	)

	// Event fan-out
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_events_dropped_total",
			Help: "Total number of events dropped on full subscriber buffers by channel",
		},
		[]string{"channel"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_rate_limited_total",
			Help: "Total number of requests rejected by rate limiting",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(WebhooksReceived)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(JobsDead)
	prometheus.MustRegister(JobsStalled)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(PoolUtilization)
	prometheus.MustRegister(PoolWaiters)
	prometheus.MustRegister(ContainersCreated)
	prometheus.MustRegister(ContainersQuarantined)
	prometheus.MustRegister(RunnersByState)
	prometheus.MustRegister(SecurityViolations)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(LeaderGeneration)
	prometheus.MustRegister(ComponentHealthGauge)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RateLimited)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed seconds on the given observer
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}
