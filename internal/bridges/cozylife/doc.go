// Package cozylife implements the CozyLife smart-switch bridge.
//
// CozyLife switches expose a small JSON protocol on TCP port 5555. Every
// switch reports its relays as one packed integer (data point "1"): bit 0 is
// channel 1, bit 1 is channel 2. This package keeps one persistent session per
// physical device, polls it on a fixed cadence, projects the packed word onto
// independent logical channels and writes changes back with a
// read-modify-write that never disturbs sibling channels.
//
// # Architecture
//
//	┌──────────┐  MQTT   ┌──────────────────────────────────────────┐  TCP   ┌────────┐
//	│ Platform │◄───────►│ Bridge ─► Device ─► CommandSerializer    │◄──────►│ Switch │
//	└──────────┘         │              │            │              │        └────────┘
//	                     │           Poller       DeviceLink ─ Codec │
//	                     │              │                           │
//	                     │        ChannelView × N                   │
//	                     └──────────────────────────────────────────┘
//
// # Key Responsibilities
//
//   - DeviceLink owns the socket, the last-known data points and reconnection
//   - CommandSerializer guarantees one in-flight exchange per device
//   - Poller runs one ticker per device and fans results out to its channels
//   - ChannelView decodes and toggles a single bit of the shared word
//   - Bridge resolves unique ids for on/off commands and publishes state
//
// # Unique IDs
//
// Each channel is addressed as "<device_id>_ch<N>", for example
// "a4c138f0d21e_ch2".
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package cozylife
