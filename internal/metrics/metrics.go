// Package metrics exposes the coordinator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	JobsProcessed   *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	QueueDepth      *prometheus.GaugeVec
	StorageErrors   prometheus.Counter
	SchedulesFired  prometheus.Counter
	StuckRequeued   prometheus.Counter
	WorkersBusy     prometheus.Gauge
}

// New registers the metric set on the given registry. Pass
// prometheus.DefaultRegisterer outside tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flintq_jobs_processed_total",
			Help: "Jobs that reached an outcome, by queue and final status.",
		}, []string{"queue", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flintq_job_duration_seconds",
			Help:    "Wall-clock task execution time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"queue"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flintq_queue_depth",
			Help: "Pending and retrying jobs per queue at last poll.",
		}, []string{"queue"}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flintq_storage_errors_total",
			Help: "Storage operations that failed after coordinator retries.",
		}),
		SchedulesFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flintq_schedules_fired_total",
			Help: "Jobs materialized from recurring schedules.",
		}),
		StuckRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flintq_jobs_requeued_stuck_total",
			Help: "Jobs recovered from crashed workers.",
		}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flintq_workers_busy",
			Help: "Worker slots currently executing a task.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.JobsProcessed, m.JobDuration, m.QueueDepth,
			m.StorageErrors, m.SchedulesFired, m.StuckRequeued,
			m.WorkersBusy,
		)
	}
	return m
}

// NewNop returns an unregistered metric set for tests and for hosts that
// do not scrape.
func NewNop() *Metrics {
	return New(nil)
}
