// Package metrics exposes Prometheus instrumentation for the media pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted counts admitted jobs by mode.
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipferry",
		Name:      "jobs_submitted_total",
		Help:      "Jobs admitted to the queue, labeled by request mode.",
	}, []string{"mode"})

	// JobsCoalesced counts duplicate submissions folded onto in-flight jobs.
	JobsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clipferry",
		Name:      "jobs_coalesced_total",
		Help:      "Duplicate submissions attached to an in-flight job.",
	})

	// JobsRejected counts submissions refused before entering the queue.
	JobsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipferry",
		Name:      "jobs_rejected_total",
		Help:      "Submissions rejected at intake, labeled by error code.",
	}, []string{"code"})

	// JobsFinished counts terminal jobs by outcome and error code.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipferry",
		Name:      "jobs_finished_total",
		Help:      "Jobs reaching a terminal state, labeled by outcome.",
	}, []string{"outcome", "code"})

	// StageDuration observes wall time spent per pipeline stage.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clipferry",
		Name:      "stage_duration_seconds",
		Help:      "Wall time per pipeline stage.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"stage"})

	// StageRetries counts retry attempts by stage.
	StageRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clipferry",
		Name:      "stage_retries_total",
		Help:      "Retry attempts, labeled by stage.",
	}, []string{"stage"})

	// ActiveWorkers tracks workers currently processing a job.
	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clipferry",
		Name:      "active_workers",
		Help:      "Workers currently driving a job through the pipeline.",
	})

	// ArtifactBytes observes published artifact sizes.
	ArtifactBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "clipferry",
		Name:      "artifact_bytes",
		Help:      "Size of published artifacts.",
		Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 10),
	}, []string{"kind"})
)

// RegisterQueueDepth registers a gauge backed by the live queue depth.
func RegisterQueueDepth(depth func() float64) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "clipferry",
		Name:      "queue_depth",
		Help:      "Jobs waiting in the queue buffer.",
	}, depth)
}
