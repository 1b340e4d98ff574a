package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the supervisor's Prometheus collectors.
type Metrics struct {
	started   prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	stopped   prometheus.Counter
	duration  prometheus.Histogram
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "executions_started_total",
			Help:      "Executions that transitioned to running.",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "executions_completed_total",
			Help:      "Executions that finished successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "executions_failed_total",
			Help:      "Executions that ended with an error.",
		}),
		stopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "executions_stopped_total",
			Help:      "Executions cancelled by a user stop request.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loom",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of completed executions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(m.started, m.completed, m.failed, m.stopped, m.duration)
	return m
}
