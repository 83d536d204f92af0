// Package influxdb provides InfluxDB connectivity for the CozyLife bridge.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, switch telemetry writes, and health monitoring.
//
// # Measurements
//
//   - switch_state: one point per channel state change (tags device_id,
//     unique_id, channel; fields on, available)
//   - switch_poll: one point per poll cycle (tag device_id; fields
//     latency_ms, failed)
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteSwitchState(influxdb.SwitchSample{UniqueID: "a4c138f0d21e_ch1", On: true, Available: true})
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned directly.
package influxdb
