package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ralph_tasks_total",
			Help: "Tasks by repo and derived status",
		},
		[]string{"repo", "status"},
	)

	TasksClaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_tasks_claimed_total",
			Help: "Tasks claimed by the queue driver",
		},
		[]string{"repo"},
	)

	SweepCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_sweep_cycles_total",
			Help: "Queue sweeper cycles by kind",
		},
		[]string{"kind"},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ralph_sweep_duration_seconds",
			Help:    "Queue sweeper cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Worker metrics
	WorkerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_worker_runs_total",
			Help: "Completed lifecycle runs by terminal outcome",
		},
		[]string{"repo", "outcome"},
	)

	WorkerRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ralph_worker_run_duration_seconds",
			Help:    "Lifecycle run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	WorkersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ralph_workers_active",
			Help: "Workers currently running a task",
		},
		[]string{"repo"},
	)

	// Hosting client metrics
	HostingRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_hosting_requests_total",
			Help: "Hosting-service requests by method and classified kind",
		},
		[]string{"method", "kind"},
	)

	HostingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ralph_hosting_request_duration_seconds",
			Help:    "Hosting-service request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RateLimitSleeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ralph_rate_limit_sleeps_total",
			Help: "Times a request slept waiting for a rate-limit reset",
		},
	)

	// Governor metrics
	GovernorDefers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_governor_defers_total",
			Help: "Governor defer decisions by lane and reason",
		},
		[]string{"lane", "reason"},
	)

	GovernorStarvation = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_governor_starvation_total",
			Help: "Pressure-mode deferrals surfacing lane starvation",
		},
		[]string{"lane"},
	)

	// Merge gate metrics
	MergeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_merge_attempts_total",
			Help: "Merge attempts by result",
		},
		[]string{"result"},
	)

	// Label IO metrics
	LabelOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_label_ops_total",
			Help: "Executed label operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	CommentUpserts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ralph_comment_upserts_total",
			Help: "Marker-keyed comment upserts by action (noop, patch, post)",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(SweepCyclesTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(WorkerRunsTotal)
	prometheus.MustRegister(WorkerRunDuration)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(HostingRequestsTotal)
	prometheus.MustRegister(HostingRequestDuration)
	prometheus.MustRegister(RateLimitSleeps)
	prometheus.MustRegister(GovernorDefers)
	prometheus.MustRegister(GovernorStarvation)
	prometheus.MustRegister(MergeAttempts)
	prometheus.MustRegister(LabelOpsTotal)
	prometheus.MustRegister(CommentUpserts)
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

// Duration returns the elapsed time
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on the histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
