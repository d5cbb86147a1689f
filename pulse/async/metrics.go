package async

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/teranos/reel/pulse/schedule"
)

const (
	// MetricsNamespace is the namespace for all reel metrics.
	MetricsNamespace = "reel"

	// MetricsSubsystem is the subsystem for job execution metrics.
	MetricsSubsystem = "pulse"
)

// Metrics holds the Prometheus collectors for dispatch and execution.
type Metrics struct {
	JobsDispatched      prometheus.Counter
	JobsFinished        *prometheus.CounterVec // status
	JobFailures         *prometheus.CounterVec // code
	JobDurationSeconds  prometheus.Histogram
	WorkersBusy         prometheus.Gauge
	WorkerPoolSize      prometheus.Gauge
	QueueDepth          prometheus.Gauge
	DispatchRejected    prometheus.Counter
	TransitionConflicts prometheus.Counter
	MemoryUsedPercent   prometheus.Gauge
}

// NewMetrics creates and registers the pulse metrics on reg. A nil reg gets
// a private registry so independent instances never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initJobMetrics(factory)
	m.initWorkerMetrics(factory)

	return m
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsDispatched = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of jobs accepted by the worker pool",
		},
	)

	m.JobsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	m.JobFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "job_failures_total",
			Help:      "Failed jobs by classified cause",
		},
		[]string{"code"},
	)

	m.JobDurationSeconds = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "job_duration_seconds",
			Help:      "Duration of job execution in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68min
		},
	)

	m.TransitionConflicts = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "transition_conflicts_total",
			Help:      "Conditional status updates that lost to another writer",
		},
	)
}

func (m *Metrics) initWorkerMetrics(factory promauto.Factory) {
	m.WorkersBusy = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "workers_busy",
			Help:      "Number of workers currently executing a job",
		},
	)

	m.WorkerPoolSize = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "worker_pool_size",
			Help:      "Configured number of workers",
		},
	)

	m.QueueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "queue_depth",
			Help:      "Jobs accepted but not yet picked up by a worker",
		},
	)

	m.DispatchRejected = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "dispatch_rejected_total",
			Help:      "Submissions rejected because the queue was full",
		},
	)

	m.MemoryUsedPercent = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricsNamespace,
			Subsystem: MetricsSubsystem,
			Name:      "memory_used_percent",
			Help:      "Host memory utilization sampled when the pool starts and on stats requests",
		},
	)
}

func (m *Metrics) observeFinished(status schedule.Status, elapsed time.Duration) {
	m.JobsFinished.WithLabelValues(status.String()).Inc()
	m.JobDurationSeconds.Observe(elapsed.Seconds())
}
