package cozylife

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// defaultConfirmDelay is the pause between a control write and the
// confirming query, giving the relay time to settle.
const defaultConfirmDelay = 100 * time.Millisecond

// DeviceInfo is the immutable identity of one physical switch.
type DeviceInfo struct {
	DeviceID  string
	IP        string
	Port      int
	ProductID string
	DPID      string
	Model     string
	Channels  int
	Names     []string
}

// Address returns ip:port.
func (i DeviceInfo) Address() string {
	port := i.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(i.IP, strconv.Itoa(port))
}

// DeviceOptions holds configuration for creating a device.
type DeviceOptions struct {
	Info DeviceInfo

	// Link is the device session. If nil a DeviceLink is built from
	// LinkConfig with Address taken from Info.
	Link       Link
	LinkConfig LinkConfig

	// Notifier receives channel state changes from the poller.
	Notifier Notifier

	// PollInterval is the query cadence. Default: 700ms.
	PollInterval time.Duration

	// StopGrace bounds how long Stop waits for the poller. Default: 5s.
	StopGrace time.Duration

	// ConfirmDelay is the settle time before the confirming query. Default: 100ms.
	ConfirmDelay time.Duration

	Logger Logger
}

// Device binds one DeviceLink, its CommandSerializer, its channels and its poller.
type Device struct {
	info         DeviceInfo
	link         Link
	serializer   *CommandSerializer
	channels     []*ChannelView
	poller       *Poller
	confirmDelay time.Duration

	logHolder
}

// NewDevice validates opts and builds the device. Nothing is connected yet.
func NewDevice(opts DeviceOptions) (*Device, error) {
	info := opts.Info
	if info.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if info.Channels < 1 || info.Channels > MaxChannels {
		return nil, fmt.Errorf("device %s: channels must be between 1 and %d, got %d", info.DeviceID, MaxChannels, info.Channels)
	}
	if len(info.Names) > info.Channels {
		return nil, fmt.Errorf("device %s: %d names for %d channels", info.DeviceID, len(info.Names), info.Channels)
	}
	if info.DPID == "" {
		info.DPID = "1"
	}
	if opts.Notifier == nil {
		return nil, fmt.Errorf("device %s: notifier is required", info.DeviceID)
	}

	link := opts.Link
	if link == nil {
		if info.IP == "" {
			return nil, fmt.Errorf("device %s: ip is required", info.DeviceID)
		}
		lc := opts.LinkConfig
		lc.Address = info.Address()
		dl := NewDeviceLink(lc)
		if opts.Logger != nil {
			dl.SetLogger(opts.Logger)
		}
		link = dl
	}

	confirmDelay := opts.ConfirmDelay
	if confirmDelay <= 0 {
		confirmDelay = defaultConfirmDelay
	}

	d := &Device{
		info:         info,
		link:         link,
		serializer:   NewCommandSerializer(),
		confirmDelay: confirmDelay,
	}
	d.SetLogger(opts.Logger)

	d.channels = make([]*ChannelView, info.Channels)
	for i := range d.channels {
		var name string
		if i < len(info.Names) {
			name = info.Names[i]
		}
		d.channels[i] = newChannelView(d, i+1, name)
	}

	d.poller = newPoller(d, opts.Notifier, opts.PollInterval, opts.StopGrace)
	d.poller.SetLogger(opts.Logger)

	return d, nil
}

// ID returns the device id.
func (d *Device) ID() string { return d.info.DeviceID }

// Info returns the device identity.
func (d *Device) Info() DeviceInfo { return d.info }

// Link returns the device session.
func (d *Device) Link() Link { return d.link }

// Poller returns the device's poll loop.
func (d *Device) Poller() *Poller { return d.poller }

// Channels returns the device's channels in channel order.
func (d *Device) Channels() []*ChannelView {
	out := make([]*ChannelView, len(d.channels))
	copy(out, d.channels)
	return out
}

// Channel returns the 1-based channel, or nil.
func (d *Device) Channel(n int) *ChannelView {
	if n < 1 || n > len(d.channels) {
		return nil
	}
	return d.channels[n-1]
}

// Connect opens the initial session. On failure a background reconnect is
// scheduled and the error is returned for logging only.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.link.Connect(ctx); err != nil {
		d.link.ScheduleReconnect()
		return err
	}
	return nil
}

// Query reads the device's data points under the serializer.
func (d *Device) Query(ctx context.Context) (DataPoints, error) {
	var raw DataPoints
	err := d.serializer.Do(ctx, func(ctx context.Context) error {
		var err error
		raw, err = d.link.Query(ctx)
		return err
	})
	return raw, err
}

// setChannel performs the read-modify-write of one channel bit and then
// confirms the result with a fresh poll.
func (d *Device) setChannel(ctx context.Context, c *ChannelView, on bool) error {
	err := d.serializer.Do(ctx, func(ctx context.Context) error {
		raw, ok := d.link.State()
		if !ok {
			// Never write a word we have not read: sibling bits would be lost.
			var err error
			raw, err = d.link.Query(ctx)
			if err != nil {
				return fmt.Errorf("reading state before write: %w", err)
			}
		}

		next := c.ComputeToggle(raw, on)
		return d.link.Control(ctx, DataPoints{c.key: next[c.key]})
	})
	if err != nil {
		if isLinkFailure(err) {
			d.link.ScheduleReconnect()
		}
		return fmt.Errorf("set %s on=%t: %w", c.uniqueID, on, err)
	}

	d.logDebug("channel written", "unique_id", c.uniqueID, "on", on)

	timer := time.NewTimer(d.confirmDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}

	if err := d.poller.PollNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logWarn("confirming poll failed", "unique_id", c.uniqueID, "error", err)
	}
	return nil
}

// Close stops the poller and closes the link.
func (d *Device) Close() error {
	stopErr := d.poller.Stop()
	linkErr := d.link.Close()
	return errors.Join(stopErr, linkErr)
}
