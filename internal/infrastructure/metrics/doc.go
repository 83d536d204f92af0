// Package metrics exposes bridge counters and gauges in Prometheus format.
//
// Recorder receives poll, command and channel observations from the bridge.
// LinkCollector reads per-device link counters at scrape time. Both
// register on a private registry served by Server at the configured path,
// so tests can build as many as they like without colliding on the
// default registry.
package metrics
