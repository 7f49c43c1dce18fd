// Package metrics registers the pipeline's Prometheus instruments on the
// default registry, exposed by the ops server under /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts finished job executions by kind and result
	// (succeeded, retried, failed).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rookery",
		Name:      "jobs_processed_total",
		Help:      "Finished job executions by kind and result.",
	}, []string{"kind", "result"})

	// JobDuration observes wall-clock handler time per job kind.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rookery",
		Name:      "job_duration_seconds",
		Help:      "Handler wall-clock time per job kind.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"kind"})

	// QueueDepth tracks ingestion_jobs rows by status and kind, refreshed on
	// each scheduler scan.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rookery",
		Name:      "queue_depth",
		Help:      "Ingestion jobs by status and kind.",
	}, []string{"status", "kind"})

	// StaleLocksRecovered counts jobs returned to the queue by the sweeper.
	StaleLocksRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rookery",
		Name:      "stale_locks_recovered_total",
		Help:      "Locked jobs requeued after their worker went away.",
	})
)
