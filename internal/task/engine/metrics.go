package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tasksched"

// Outcome labels.
const (
	outcomeCompleted = "completed"
	outcomeDeleted   = "deleted"
	outcomeRetrying  = "retrying"
	outcomeFailed    = "failed"
	outcomeDropped   = "dropped"
	outcomeAborted   = "aborted"
)

type metrics struct {
	outcomes   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	running    prometheus.Gauge
	pending    prometheus.Gauge
	claimed    prometheus.Counter
	requeued   prometheus.Counter
	tickErrors prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "task_outcomes_total",
			Help:      "Task executions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task executions.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"kind"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "running_tasks",
			Help:      "Tasks currently executing in this worker.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_tasks",
			Help:      "Tasks handed to the manager and waiting for a permit.",
		}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "claimed_tasks_total",
			Help:      "Rows claimed from the store.",
		}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requeued_stalled_tasks_total",
			Help:      "Stalled rows put back in the queue.",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runner_tick_errors_total",
			Help:      "Runner ticks that failed on a store error.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes, m.duration, m.running, m.pending, m.claimed, m.requeued, m.tickErrors)
	}
	return m
}
