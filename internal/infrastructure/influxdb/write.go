package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	measurementSwitchState = "switch_state"
	measurementPoll        = "switch_poll"
)

// SwitchSample is one observed channel state.
type SwitchSample struct {
	UniqueID  string
	DeviceID  string
	Channel   int
	On        bool
	Available bool
	Time      time.Time
}

// WriteSwitchState records a channel state change. Non-blocking.
//
// Tags are device_id, unique_id and channel; fields are on (0/1) and
// available (bool), so relay duty cycles can be summed directly.
func (c *Client) WriteSwitchState(s SwitchSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(switchStatePoint(s))
}

// WritePollLatency records the duration of one poll cycle. Non-blocking.
func (c *Client) WritePollLatency(deviceID string, elapsed time.Duration, failed bool) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(pollPoint(deviceID, elapsed, failed, time.Now()))
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

func switchStatePoint(s SwitchSample) *write.Point {
	at := s.Time
	if at.IsZero() {
		at = time.Now()
	}

	on := 0
	if s.On {
		on = 1
	}

	return write.NewPoint(
		measurementSwitchState,
		map[string]string{
			"device_id": s.DeviceID,
			"unique_id": s.UniqueID,
			"channel":   strconv.Itoa(s.Channel),
		},
		map[string]interface{}{
			"on":        on,
			"available": s.Available,
		},
		at,
	)
}

func pollPoint(deviceID string, elapsed time.Duration, failed bool, at time.Time) *write.Point {
	return write.NewPoint(
		measurementPoll,
		map[string]string{
			"device_id": deviceID,
		},
		map[string]interface{}{
			"latency_ms": float64(elapsed) / float64(time.Millisecond),
			"failed":     failed,
		},
		at,
	)
}
