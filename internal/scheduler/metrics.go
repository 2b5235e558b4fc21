package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler metrics for Prometheus monitoring.
var (
	JobsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
	)

	JobsDelayedGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_jobs_delayed",
			Help: "Number of jobs currently waiting in the delayed set",
		},
	)

	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_processed_total",
			Help: "Total number of jobs processed by outcome",
		},
		[]string{"outcome"}, // completed, failed
	)

	JobsCancelledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_cancelled_total",
			Help: "Total number of delayed jobs removed before execution",
		},
	)

	JobsPromotedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_jobs_promoted_total",
			Help: "Total number of delayed jobs rescheduled to run immediately",
		},
	)

	JobProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_job_processing_duration_seconds",
			Help:    "Duration of job processing including transport send",
			Buckets: prometheus.DefBuckets,
		},
	)
)
