// Package metric provides the Prometheus registry and HTTP endpoint shared by
// depthgraph components.
//
// MetricsRegistry wraps a private prometheus.Registry and keys every
// registration by "owner.metric", so a queue or output can remove exactly its
// own collectors when it closes. Core metrics (pipeline state, link
// operations, device sessions, errors) live in Metrics and are registered
// once per registry.
//
// Metrics are optional everywhere: packages accept a *MetricsRegistry and
// treat nil as "metrics disabled".
//
//	reg := metric.NewMetricsRegistry()
//	srv := metric.NewServer(":9090", "/metrics", reg, nil)
//	if err := srv.Start(); err != nil { ... }
//	defer srv.Stop(5 * time.Second)
//
// WriteText renders the depthgraph_* families without a server, for a final
// snapshot on exit.
package metric
