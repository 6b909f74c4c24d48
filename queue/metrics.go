package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/depthgraph/metric"
)

type queueMetrics struct {
	registry *metric.MetricsRegistry
	owner    string

	invocations prometheus.Counter
	panics      prometheus.Counter
}

func newQueueMetrics(registry *metric.MetricsRegistry, owner string) (*queueMetrics, error) {
	m := &queueMetrics{
		registry: registry,
		owner:    owner,
		invocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "callback_invocations_total",
			ConstLabels: prometheus.Labels{"queue": owner},
			Help:        "Callback invocations that returned normally",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "queue",
			Name:        "callback_panics_total",
			ConstLabels: prometheus.Labels{"queue": owner},
			Help:        "Callback invocations that panicked and were recovered",
		}),
	}

	if err := registry.RegisterCounter(owner, "callback_invocations", m.invocations); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(owner, "callback_panics", m.panics); err != nil {
		registry.Unregister(owner, "callback_invocations")
		return nil, err
	}
	return m, nil
}

func (m *queueMetrics) unregister() {
	m.registry.Unregister(m.owner, "callback_invocations")
	m.registry.Unregister(m.owner, "callback_panics")
}
