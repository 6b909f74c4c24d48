package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by depthgraph.
const Namespace = "depthgraph"

// Metrics contains the process-level metrics shared by the pipeline and
// device packages. Per-queue and per-output metrics are registered by their
// owners.
type Metrics struct {
	// Pipeline metrics
	PipelineState *prometheus.GaugeVec
	LinkOps       *prometheus.CounterVec
	Connections   prometheus.Gauge

	// Device session metrics
	SessionOpens      *prometheus.CounterVec
	SessionCloses     *prometheus.CounterVec
	ActiveConnections prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates the core metrics without registering them
func NewMetrics() *Metrics {
	return &Metrics{
		PipelineState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "state",
				Help:      "Pipeline lifecycle state (0=created, 1=built, 2=running, 3=stopped, 4=failed)",
			},
			[]string{"pipeline"},
		),

		LinkOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "link_operations_total",
				Help:      "Link and unlink operations by outcome",
			},
			[]string{"op", "result"},
		),

		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pipeline",
			Name:      "connections",
			Help:      "Number of live output to input connections",
		}),

		SessionOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "device",
				Name:      "session_opens_total",
				Help:      "Session open requests by outcome (reused, connected, unavailable, in_use, error)",
			},
			[]string{"result"},
		),

		SessionCloses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "device",
				Name:      "session_closes_total",
				Help:      "Device connection closes by outcome",
			},
			[]string{"result"},
		),

		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "device",
			Name:      "active_connections",
			Help:      "Open exclusive device connections",
		}),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "errors_total",
				Help:      "Errors returned to callers by component and class",
			},
			[]string{"component", "class"},
		),
	}
}

func (m *Metrics) mustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		m.PipelineState,
		m.LinkOps,
		m.Connections,
		m.SessionOpens,
		m.SessionCloses,
		m.ActiveConnections,
		m.ErrorsTotal,
	)
}
