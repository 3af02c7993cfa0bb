package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobRunsTotal counts job runs by their terminal status.
	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netraven_job_runs_total",
			Help: "Total number of job runs by terminal status",
		},
		[]string{"status", "job_type"},
	)

	JobRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netraven_job_run_duration_seconds",
			Help:    "Wall-clock duration of a job run from dispatch to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"job_type"},
	)

	DevicesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netraven_devices_processed_total",
			Help: "Total number of per-device pipeline outcomes by result and reason",
		},
		[]string{"result", "reason"},
	)

	HandlerExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netraven_handler_execution_duration_seconds",
			Help:    "Duration of a single handler.Execute call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job_type"},
	)

	CredentialRotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netraven_credential_rotations_total",
			Help: "Total number of credential candidates tried by workers, by outcome (success or auth_failed)",
		},
		[]string{"reason"},
	)

	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netraven_dispatcher_active_workers",
			Help: "Number of per-device workers currently running across all job runs",
		},
	)

	SchedulerFireLoopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netraven_scheduler_fire_loop_seconds",
			Help:    "Duration of one scheduler fire-loop iteration",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		},
	)

	SchedulerOverlapSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netraven_scheduler_overlap_skips_total",
			Help: "Total number of fires skipped because a prior run was still RUNNING",
		},
		[]string{"job_definition_id"},
	)

	SessionConnectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netraven_session_connect_duration_seconds",
			Help:    "Duration of Session.Open, including the reachability probe",
			Buckets: prometheus.DefBuckets,
		},
	)

	ArtifactsDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netraven_artifacts_deduped_total",
			Help: "Total number of backup artifacts whose content hash already existed in the blob store",
		},
	)

	ArtifactsStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netraven_artifacts_stored_total",
			Help: "Total number of new backup artifact blobs written",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobRunsTotal,
		JobRunDuration,
		DevicesProcessedTotal,
		HandlerExecutionDuration,
		CredentialRotationsTotal,
		ActiveWorkers,
		SchedulerFireLoopDuration,
		SchedulerOverlapSkipsTotal,
		SessionConnectDuration,
		ArtifactsDedupedTotal,
		ArtifactsStoredTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and observing the
// elapsed duration onto a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time onto histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time onto a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
