package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "prototype_jobs_enqueued_total", Help: "Total enqueued jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "prototype_jobs_rate_limit_rejects_total", Help: "Enqueue requests rejected by the per-owner limiter"})
	CancelCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "prototype_jobs_cancelled_total", Help: "Pending jobs cancelled"})
	ExpiredCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "prototype_jobs_expired_total", Help: "Records removed by the cleanup sweep"})
	ReclaimedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "prototype_jobs_lease_reclaimed_total", Help: "Processing jobs returned to pending after their lease elapsed"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "prototype_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "prototype_jobs_retried_total", Help: "Failed attempts that were re-queued"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "prototype_jobs_failed_total", Help: "Jobs that exhausted their retries"})
	WorkerRecoveries = prometheus.NewCounter(prometheus.CounterOpts{Name: "prototype_worker_recoveries_total", Help: "Loop iterations aborted by an unexpected error"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "prototype_jobs_queue_depth", Help: "Ids currently in the pending queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "prototype_jobs_inflight", Help: "Jobs currently being generated"})

	GenerateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "prototype_generate_duration_seconds",
		Help:    "Wall time of generation callback invocations",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			CancelCounter,
			ExpiredCounter,
			ReclaimedCounter,
			WorkerSuccess,
			WorkerRetries,
			WorkerFailures,
			WorkerRecoveries,
			QueueDepthGauge,
			InFlightGauge,
			GenerateDuration,
		)
	})
	return promhttp.Handler()
}
