// Package metrics exposes Prometheus collectors for the job pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsCompleted counts jobs that reached the completed state, by type.
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stormline",
		Name:      "jobs_completed_total",
		Help:      "Jobs that completed successfully.",
	}, []string{"type"})

	// JobsFailed counts jobs that reached the failed state, by type.
	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stormline",
		Name:      "jobs_failed_total",
		Help:      "Jobs that failed terminally.",
	}, []string{"type"})

	// JobsRetried counts failed attempts that were rescheduled, by type.
	JobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stormline",
		Name:      "jobs_retried_total",
		Help:      "Job attempts that failed and were scheduled for retry.",
	}, []string{"type"})

	// JobsReaped counts jobs recovered from expired leases.
	JobsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stormline",
		Name:      "jobs_reaped_total",
		Help:      "Jobs with expired leases returned to the queue by the reaper.",
	})

	// QueueDepth tracks the number of jobs waiting to be claimed.
	// Updated by the worker pool on each poll.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stormline",
		Name:      "queue_depth",
		Help:      "Jobs in the created or retrying state.",
	})

	// HandlerDuration observes job execution time, by type.
	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stormline",
		Name:      "handler_duration_seconds",
		Help:      "Wall time spent executing job handlers.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"type"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
