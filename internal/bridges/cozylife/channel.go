package cozylife

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MaxChannels is the number of relays a single device may expose.
const MaxChannels = 2

// ChannelState is the published view of one channel.
type ChannelState struct {
	UniqueID  string    `json:"unique_id"`
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	Channel   int       `json:"channel"`
	On        bool      `json:"on"`
	Available bool      `json:"available"`
	Timestamp time.Time `json:"timestamp"`
}

// ChannelMask returns the bit for a 1-based channel number.
func ChannelMask(channel int) int {
	return 1 << (channel - 1)
}

// UniqueID builds the stable identifier of a device channel.
func UniqueID(deviceID string, channel int) string {
	return fmt.Sprintf("%s_ch%d", deviceID, channel)
}

// DefaultName builds a display name from the last four characters of the device id.
func DefaultName(deviceID string, channel int) string {
	suffix := deviceID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return fmt.Sprintf("cozylife:%s_ch%d", suffix, channel)
}

// ChannelView is one logical switch bound to one bit of its device's
// shared state word. Its on/off value is always a projection of the
// device's raw data points; it never stores an independent truth.
type ChannelView struct {
	device   *Device
	channel  int
	mask     int
	key      string
	uniqueID string
	name     string

	mu        sync.RWMutex
	on        bool
	available bool
	published bool
	updatedAt time.Time
}

func newChannelView(d *Device, channel int, name string) *ChannelView {
	if name == "" {
		name = DefaultName(d.info.DeviceID, channel)
	}
	return &ChannelView{
		device:   d,
		channel:  channel,
		mask:     ChannelMask(channel),
		key:      d.info.DPID,
		uniqueID: UniqueID(d.info.DeviceID, channel),
		name:     name,
	}
}

// Decode reports whether this channel's bit is set in raw.
// A missing key reads as all-off.
func (c *ChannelView) Decode(raw DataPoints) bool {
	return raw.Get(c.key, 0)&c.mask == c.mask
}

// ComputeToggle returns a copy of raw with only this channel's bit set or
// cleared. Sibling bits and other keys are preserved.
func (c *ChannelView) ComputeToggle(raw DataPoints, on bool) DataPoints {
	word := raw.Get(c.key, 0)
	if on {
		word |= c.mask
	} else {
		word &^= c.mask
	}

	out := raw.Clone()
	out[c.key] = word
	return out
}

// ApplyCommand turns the channel on or off through its device and then
// requests a confirming poll.
func (c *ChannelView) ApplyCommand(ctx context.Context, on bool) error {
	return c.device.setChannel(ctx, c, on)
}

// observe folds a poll result into the cached state. It returns the new
// snapshot and whether it must be published: first observation, on/off
// change, availability flip.
func (c *ChannelView) observe(raw DataPoints, ok bool, at time.Time) (ChannelState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changed bool
	if ok {
		on := c.Decode(raw)
		changed = !c.published || !c.available || on != c.on
		c.on = on
		c.available = true
	} else {
		changed = !c.published || c.available
		c.available = false
	}

	if changed {
		c.published = true
		c.updatedAt = at
	}
	return c.snapshotLocked(at), changed
}

// Snapshot returns the current published view.
func (c *ChannelView) Snapshot() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked(c.updatedAt)
}

func (c *ChannelView) snapshotLocked(at time.Time) ChannelState {
	return ChannelState{
		UniqueID:  c.uniqueID,
		DeviceID:  c.device.info.DeviceID,
		Name:      c.name,
		Channel:   c.channel,
		On:        c.on,
		Available: c.available,
		Timestamp: at,
	}
}

// UniqueID returns "<device_id>_ch<N>".
func (c *ChannelView) UniqueID() string { return c.uniqueID }

// Name returns the display name.
func (c *ChannelView) Name() string { return c.name }

// Channel returns the 1-based channel number.
func (c *ChannelView) Channel() int { return c.channel }

// Device returns the owning device.
func (c *ChannelView) Device() *Device { return c.device }

// IsOn returns the last decoded on/off value.
func (c *ChannelView) IsOn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.on
}

// Available reports whether the last poll of the device succeeded.
func (c *ChannelView) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}
