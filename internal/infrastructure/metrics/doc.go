// Package metrics exposes printer and HTTP metrics to Prometheus.
//
// Collector implements printer.Observer, so it is attached to the connection
// manager alongside the other observers:
//
//	collector := metrics.NewCollector(cfg.Metrics, nil)
//	collector.InitPrinters(registry.Names())
//	manager.SetObserver(printer.Observers{collector, hub})
//	router.Handle("/metrics", collector.Handler())
//
// Unknown printer names never reach the collector, so label cardinality is
// bounded by the configured printer set.
package metrics
