// Package metrics provides Prometheus metrics for the segment cleaner.
//
// GCMetrics counts rounds, reclaimed space, skipped blocks, checkpoints
// and escalations. SpaceMetrics mirrors segment.Stats as gauges and is
// refreshed by a SpaceScanner. Both are served by Server on /metrics.
//
// Usage:
//
//	gcMetrics := metrics.NewGCMetrics()
//	space := metrics.NewSpaceMetrics()
//	scanner := metrics.NewSpaceScanner(space, store, 5*time.Second)
//	scanner.Start()
//
//	srv := metrics.NewServer(":9090")
//	srv.Start()
package metrics
