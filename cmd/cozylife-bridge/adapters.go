package main

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-cozylife/internal/bridges/cozylife"
	"github.com/nerrad567/gray-logic-cozylife/internal/history"
	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/mqtt"
)

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The difference is the Subscribe handler signature:
//   - Infrastructure mqtt: func(topic, payload []byte) error
//   - Bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements cozylife.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements cozylife.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements cozylife.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// historyRecorder stores published channel states in the SQLite audit trail
// and answers the bridge's history requests from it.
type historyRecorder struct {
	repo history.Repository
}

var (
	_ cozylife.StateRecorder = (*historyRecorder)(nil)
	_ cozylife.HistoryReader = (*historyRecorder)(nil)
)

// RecordStateChange implements cozylife.StateRecorder.
func (h *historyRecorder) RecordStateChange(ctx context.Context, state cozylife.ChannelState) error {
	return h.repo.Record(ctx, historyEntry(state))
}

// ChannelHistory implements cozylife.HistoryReader.
func (h *historyRecorder) ChannelHistory(ctx context.Context, uniqueID string, limit int) ([]cozylife.ChannelState, error) {
	entries, err := h.repo.GetHistory(ctx, uniqueID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]cozylife.ChannelState, 0, len(entries))
	for _, e := range entries {
		out = append(out, cozylife.ChannelState{
			UniqueID:  e.UniqueID,
			DeviceID:  e.DeviceID,
			Channel:   e.Channel,
			On:        e.On,
			Available: e.Available,
			Timestamp: e.CreatedAt,
		})
	}
	return out, nil
}

// Inventory implements cozylife.HistoryReader.
func (h *historyRecorder) Inventory(ctx context.Context) ([]cozylife.InventoryDevice, error) {
	devices, err := h.repo.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]cozylife.InventoryDevice, 0, len(devices))
	for _, d := range devices {
		out = append(out, cozylife.InventoryDevice{
			DeviceID:  d.DeviceID,
			Address:   d.Address,
			ProductID: d.ProductID,
			Model:     d.Model,
			Channels:  d.Channels,
			UpdatedAt: d.UpdatedAt,
		})
	}
	return out, nil
}

func historyEntry(state cozylife.ChannelState) history.Entry {
	return history.Entry{
		UniqueID:  state.UniqueID,
		DeviceID:  state.DeviceID,
		Channel:   state.Channel,
		On:        state.On,
		Available: state.Available,
		Source:    history.SourcePoll,
		CreatedAt: state.Timestamp,
	}
}

// influxWriter forwards channel states to InfluxDB.
type influxWriter struct {
	client *influxdb.Client
}

// WriteChannelState implements cozylife.StateWriter.
func (w *influxWriter) WriteChannelState(state cozylife.ChannelState) {
	w.client.WriteSwitchState(switchSample(state))
}

func switchSample(state cozylife.ChannelState) influxdb.SwitchSample {
	return influxdb.SwitchSample{
		UniqueID:  state.UniqueID,
		DeviceID:  state.DeviceID,
		Channel:   state.Channel,
		On:        state.On,
		Available: state.Available,
		Time:      state.Timestamp,
	}
}

// observers fans bridge observations out to Prometheus and, when enabled,
// poll latency to InfluxDB. Either side may be nil.
type observers struct {
	prom   *metrics.Recorder
	influx *influxdb.Client
}

var _ cozylife.MetricsRecorder = (*observers)(nil)

func (o *observers) ObservePoll(deviceID string, elapsed time.Duration, err error) {
	if o.prom != nil {
		o.prom.ObservePoll(deviceID, elapsed, err)
	}
	if o.influx != nil {
		o.influx.WritePollLatency(deviceID, elapsed, err != nil)
	}
}

func (o *observers) ObserveCommand(uniqueID string, err error) {
	if o.prom != nil {
		o.prom.ObserveCommand(uniqueID, err)
	}
}

func (o *observers) ObserveChannel(uniqueID string, on, available bool) {
	if o.prom != nil {
		o.prom.ObserveChannel(uniqueID, on, available)
	}
}

func (o *observers) ObserveDropped() {
	if o.prom != nil {
		o.prom.ObserveDropped()
	}
}

// linkSamples converts the bridge's link statistics for the scrape collector.
func linkSamples(bridge *cozylife.Bridge) metrics.LinkSource {
	return func() []metrics.LinkSample {
		stats := bridge.LinkStats()
		out := make([]metrics.LinkSample, 0, len(stats))
		for id, s := range stats {
			out = append(out, metrics.LinkSample{
				DeviceID:      id,
				Connected:     s.Status == cozylife.StatusConnected,
				Reconnecting:  s.Reconnecting,
				Queries:       s.Queries,
				Controls:      s.Controls,
				Errors:        s.ErrorsTotal,
				Reconnects:    s.ReconnectsTotal,
				FramesSkipped: s.FramesSkipped,
				Contended:     s.Contended,
			})
		}
		return out
	}
}
