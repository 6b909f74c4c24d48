package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/depthgraph/metric"
)

// bufferMetrics mirrors Statistics into Prometheus for one buffer instance.
type bufferMetrics struct {
	registry   *metric.MetricsRegistry
	owner      string
	registered []string

	writes    prometheus.Counter
	reads     prometheus.Counter
	peeks     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter

	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, owner string) (*bufferMetrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": owner},
			Help:        help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": owner},
			Help:        help,
		})
	}

	m := &bufferMetrics{
		registry:    registry,
		owner:       owner,
		writes:      counter("writes_total", "Total number of buffer write operations"),
		reads:       counter("reads_total", "Total number of buffer read operations"),
		peeks:       counter("peeks_total", "Total number of buffer peek operations"),
		overflows:   counter("overflows_total", "Total number of writes that found the buffer full"),
		drops:       counter("drops_total", "Total number of items dropped due to overflow"),
		size:        gauge("size", "Current number of items in buffer"),
		utilization: gauge("utilization", "Buffer utilization as a fraction of capacity"),
	}

	collectors := []struct {
		name string
		c    prometheus.Collector
	}{
		{"buffer_writes", m.writes},
		{"buffer_reads", m.reads},
		{"buffer_peeks", m.peeks},
		{"buffer_overflows", m.overflows},
		{"buffer_drops", m.drops},
		{"buffer_size", m.size},
		{"buffer_utilization", m.utilization},
	}
	for _, entry := range collectors {
		var err error
		switch c := entry.c.(type) {
		case prometheus.Gauge:
			err = registry.RegisterGauge(owner, entry.name, c)
		case prometheus.Counter:
			err = registry.RegisterCounter(owner, entry.name, c)
		}
		if err != nil {
			m.unregister()
			return nil, err
		}
		m.registered = append(m.registered, entry.name)
	}

	return m, nil
}

func (m *bufferMetrics) unregister() {
	for _, name := range m.registered {
		m.registry.Unregister(m.owner, name)
	}
	m.registered = nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordPeek()     { m.peeks.Inc() }
func (m *bufferMetrics) recordOverflow() { m.overflows.Inc() }
func (m *bufferMetrics) recordDrop()     { m.drops.Inc() }

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
