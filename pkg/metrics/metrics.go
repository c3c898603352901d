package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_nodes_total",
			Help: "Total number of workflow nodes by state",
		},
		[]string{"state"},
	)

	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jobs_submitted_total",
			Help: "Total number of jobs submitted by backend",
		},
		[]string{"backend"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_jobs_completed_total",
			Help: "Total number of job completions by outcome",
		},
		[]string{"outcome"},
	)

	SubmitFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_submit_failures_total",
			Help: "Total number of rejected batch submissions",
		},
	)

	SubmitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_submit_latency_seconds",
			Help:    "Time taken to submit a job to a backend in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	JournalWrites = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_journal_writes_total",
			Help: "Total number of journal records written",
		},
	)

	// Factory metrics
	WorkersSubmitted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_factory_workers_submitted",
			Help: "Worker jobs currently submitted by this factory",
		},
	)

	WorkersNeeded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_factory_workers_needed",
			Help: "Workers needed as computed in the last control cycle",
		},
	)

	WorkersRequested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_factory_workers_requested_total",
			Help: "Total worker jobs requested across all control cycles",
		},
	)

	FactoryCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_factory_cycles_total",
			Help: "Total number of factory control cycles completed",
		},
	)

	FactoryCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_factory_cycle_duration_seconds",
			Help:    "Factory control cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CatalogUpdateFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_catalog_update_failures_total",
			Help: "Total number of failed directory-service updates",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(SubmitFailures)
	prometheus.MustRegister(SubmitLatency)
	prometheus.MustRegister(JournalWrites)
	prometheus.MustRegister(WorkersSubmitted)
	prometheus.MustRegister(WorkersNeeded)
	prometheus.MustRegister(WorkersRequested)
	prometheus.MustRegister(FactoryCyclesTotal)
	prometheus.MustRegister(FactoryCycleDuration)
	prometheus.MustRegister(CatalogUpdateFailures)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
