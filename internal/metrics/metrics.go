// Package metrics registers the prometheus collectors the Host exposes on
// its /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the dispatcher, worker runtime, and
// pipeline coordinator update.
type Collectors struct {
	JobsEnqueued   *prometheus.CounterVec
	JobsCompleted  *prometheus.CounterVec
	JobsFailed     *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	WorkersRunning *prometheus.GaugeVec
	PipelineStage  *prometheus.HistogramVec
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arkham_jobs_enqueued_total",
			Help: "Total jobs enqueued, by pool.",
		}, []string{"pool"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arkham_jobs_completed_total",
			Help: "Total jobs completed successfully, by pool.",
		}, []string{"pool"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arkham_jobs_failed_total",
			Help: "Total jobs that ended in failure, by pool.",
		}, []string{"pool"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arkham_queue_depth",
			Help: "Current number of jobs waiting in a pool's queue.",
		}, []string{"pool"}),
		WorkersRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arkham_workers_running",
			Help: "Current number of live worker processes, by pool.",
		}, []string{"pool"}),
		PipelineStage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "arkham_pipeline_stage_duration_seconds",
			Help: "Duration of a single pipeline stage run.",
		}, []string{"stage", "status"}),
	}

	reg.MustRegister(
		c.JobsEnqueued,
		c.JobsCompleted,
		c.JobsFailed,
		c.QueueDepth,
		c.WorkersRunning,
		c.PipelineStage,
	)
	return c
}
