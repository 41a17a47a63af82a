// Package metrics exposes Prometheus gauges/counters/histograms for
// the OcrQueue and StorageService, grounded directly on cuemby-warren's
// pkg/metrics package (package-level prometheus.NewXxx vars registered
// in init(), a Timer helper for histogram observation, and a Handler()
// for exposing /metrics).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docuflow_queue_depth",
			Help: "Number of OcrJob rows by status",
		},
		[]string{"status"},
	)

	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docuflow_workers_busy",
			Help: "Number of workers currently holding a lease",
		},
	)

	LeasesAcquiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_leases_acquired_total",
			Help: "Total number of jobs successfully leased",
		},
	)

	LeasesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_leases_expired_total",
			Help: "Total number of leases reclaimed by the sweeper",
		},
	)

	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_job_retries_total",
			Help: "Total number of job retry transitions",
		},
	)

	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_jobs_completed_total",
			Help: "Total number of jobs reaching status=completed",
		},
	)

	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_jobs_failed_total",
			Help: "Total number of jobs reaching status=failed",
		},
	)

	JobLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docuflow_job_latency_seconds",
			Help:    "Time from processing_started_at to processing_completed_at",
			Buckets: prometheus.DefBuckets,
		},
	)

	StorageUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docuflow_storage_upload_duration_seconds",
			Help:    "Time taken to upload a blob",
			Buckets: prometheus.DefBuckets,
		},
	)

	AccessLogDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docuflow_access_log_dropped_total",
			Help: "Total number of AccessLog entries dropped after the retry queue overflowed",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(LeasesAcquiredTotal)
	prometheus.MustRegister(LeasesExpiredTotal)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobLatency)
	prometheus.MustRegister(StorageUploadDuration)
	prometheus.MustRegister(AccessLogDroppedTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for histogram observation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
