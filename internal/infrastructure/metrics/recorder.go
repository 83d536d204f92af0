package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "cozylife"

	resultSuccess = "success"
	resultError   = "error"
)

// Classifier maps an error onto a low-cardinality reason label.
type Classifier func(err error) string

// Recorder implements the bridge's metrics hook on Prometheus collectors.
type Recorder struct {
	classify Classifier

	pollsTotal     *prometheus.CounterVec
	pollLatency    *prometheus.HistogramVec
	commandsTotal  *prometheus.CounterVec
	channelOn      *prometheus.GaugeVec
	channelUp      *prometheus.GaugeVec
	droppedUpdates prometheus.Counter
}

// NewRecorder constructs the collectors and registers them on reg.
// A nil classify labels every failure "error".
func NewRecorder(reg prometheus.Registerer, classify Classifier) *Recorder {
	if classify == nil {
		classify = func(error) string { return resultError }
	}

	r := &Recorder{
		classify: classify,
		pollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total device polls by result",
			},
			[]string{"device_id", "result"},
		),
		pollLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_latency_seconds",
				Help:      "Device query round trip in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"device_id"},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total channel commands by result",
			},
			[]string{"unique_id", "result"},
		),
		channelOn: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channel_on",
				Help:      "1 when the channel's relay is on",
			},
			[]string{"unique_id"},
		),
		channelUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channel_available",
				Help:      "1 when the channel's device is reachable",
			},
			[]string{"unique_id"},
		),
		droppedUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_updates_total",
				Help:      "Total state updates dropped because the dispatch queue was full",
			},
		),
	}

	reg.MustRegister(
		r.pollsTotal,
		r.pollLatency,
		r.commandsTotal,
		r.channelOn,
		r.channelUp,
		r.droppedUpdates,
	)
	return r
}

// ObservePoll counts one poll and records its latency.
func (r *Recorder) ObservePoll(deviceID string, elapsed time.Duration, err error) {
	r.pollsTotal.WithLabelValues(deviceID, r.result(err)).Inc()
	r.pollLatency.WithLabelValues(deviceID).Observe(elapsed.Seconds())
}

// ObserveCommand counts one turn_on or turn_off.
func (r *Recorder) ObserveCommand(uniqueID string, err error) {
	r.commandsTotal.WithLabelValues(uniqueID, r.result(err)).Inc()
}

// ObserveChannel records the last published state of a channel.
// An unavailable channel keeps its last known on value.
func (r *Recorder) ObserveChannel(uniqueID string, on, available bool) {
	r.channelUp.WithLabelValues(uniqueID).Set(boolGauge(available))
	if available {
		r.channelOn.WithLabelValues(uniqueID).Set(boolGauge(on))
	}
}

// ObserveDropped counts a state update lost to a full queue.
func (r *Recorder) ObserveDropped() {
	r.droppedUpdates.Inc()
}

func (r *Recorder) result(err error) string {
	if err == nil {
		return resultSuccess
	}
	return r.classify(err)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
