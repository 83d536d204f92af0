package metrics

import "github.com/prometheus/client_golang/prometheus"

// LinkSample is one device link's counters at scrape time.
type LinkSample struct {
	DeviceID      string
	Connected     bool
	Reconnecting  bool
	Queries       uint64
	Controls      uint64
	Errors        uint64
	Reconnects    uint64
	FramesSkipped uint64
	Contended     uint64
}

// LinkSource returns the current samples. It must be safe to call from
// the scrape goroutine.
type LinkSource func() []LinkSample

// LinkCollector exports link counters without duplicating them.
type LinkCollector struct {
	source LinkSource

	connected     *prometheus.Desc
	reconnecting  *prometheus.Desc
	queries       *prometheus.Desc
	controls      *prometheus.Desc
	errors        *prometheus.Desc
	reconnects    *prometheus.Desc
	framesSkipped *prometheus.Desc
	contended     *prometheus.Desc
}

var _ prometheus.Collector = (*LinkCollector)(nil)

// NewLinkCollector builds a collector over source.
func NewLinkCollector(source LinkSource) *LinkCollector {
	labels := []string{"device_id"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "link", name), help, labels, nil)
	}

	return &LinkCollector{
		source:        source,
		connected:     desc("connected", "1 when the device session is up"),
		reconnecting:  desc("reconnecting", "1 while a background reconnect is in flight"),
		queries:       desc("queries_total", "Total query frames sent"),
		controls:      desc("controls_total", "Total control frames sent"),
		errors:        desc("errors_total", "Total failed exchanges"),
		reconnects:    desc("reconnects_total", "Total successful reconnects"),
		framesSkipped: desc("frames_skipped_total", "Total unsolicited or stale frames discarded"),
		contended:     desc("serializer_waits_total", "Total exchanges that waited for another one on the same device"),
	}
}

// Describe implements prometheus.Collector.
func (c *LinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connected
	ch <- c.reconnecting
	ch <- c.queries
	ch <- c.controls
	ch <- c.errors
	ch <- c.reconnects
	ch <- c.framesSkipped
	ch <- c.contended
}

// Collect implements prometheus.Collector.
func (c *LinkCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		return
	}
	for _, s := range c.source() {
		ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, boolGauge(s.Connected), s.DeviceID)
		ch <- prometheus.MustNewConstMetric(c.reconnecting, prometheus.GaugeValue, boolGauge(s.Reconnecting), s.DeviceID)
		ch <- prometheus.MustNewConstMetric(c.queries, prometheus.CounterValue, float64(s.Queries), s.DeviceID)
		ch <- prometheus.MustNewConstMetric(c.controls, prometheus.CounterValue, float64(s.Controls), s.DeviceID)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.Errors), s.DeviceID)
		ch <- prometheus.MustNewConstMetric(c.reconnects, prometheus.CounterValue, float64(s.Reconnects), s.DeviceID)
		ch <- prometheus.MustNewConstMetric(c.framesSkipped, prometheus.CounterValue, float64(s.FramesSkipped), s.DeviceID)
		ch <- prometheus.MustNewConstMetric(c.contended, prometheus.CounterValue, float64(s.Contended), s.DeviceID)
	}
}
