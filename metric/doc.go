// Package metric provides the Prometheus metrics registry shared by MBP components.
//
// NewMetricsRegistry builds a private prometheus.Registry with the Go runtime
// and process collectors and the discovery metric set (Metrics): scatter-gather
// requests and replies, candidate pipeline outcomes, engine task durations,
// rule and action executions, discovery log appends and broker status.
//
// Components that own additional metrics register them under a service name:
//
//	depth := prometheus.NewGauge(prometheus.GaugeOpts{Name: "mbp_engine_queue_depth", Help: "..."})
//	if err := registry.RegisterGauge("engine", "queue_depth", depth); err != nil {
//	    return err
//	}
//
// Registering the same service/metric pair twice is an invalid error.
// Handler exposes everything in the Prometheus text format.
package metric
