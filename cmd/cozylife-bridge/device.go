package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-cozylife/internal/bridges/cozylife"
	"github.com/nerrad567/gray-logic-cozylife/internal/infrastructure/config"
)

// deviceFlags are shared by the one-shot device commands.
type deviceFlags struct {
	ip       string
	port     int
	deviceID string
	dpid     string
	channels int
	timeout  time.Duration
}

func (f *deviceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ip, "ip", "", "Device IP address (required)")
	cmd.Flags().IntVar(&f.port, "port", config.DefaultDevicePort, "Device TCP port")
	cmd.Flags().StringVar(&f.deviceID, "device-id", "cli", "Device id used in unique ids")
	cmd.Flags().StringVar(&f.dpid, "dpid", config.DefaultDPID, "Data-point key of the relay bitfield")
	cmd.Flags().IntVar(&f.channels, "channels", cozylife.MaxChannels, "Number of relay channels (1 or 2)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 2*time.Second, "I/O timeout per exchange")
	_ = cmd.MarkFlagRequired("ip")
}

// openDevice connects a standalone device outside the bridge. Its poller is
// never started; the notifier only sees confirming polls.
func (f *deviceFlags) openDevice(ctx context.Context, notifier cozylife.Notifier) (*cozylife.Device, error) {
	d, err := cozylife.NewDevice(cozylife.DeviceOptions{
		Info: cozylife.DeviceInfo{
			DeviceID: f.deviceID,
			IP:       f.ip,
			Port:     f.port,
			DPID:     f.dpid,
			Channels: f.channels,
		},
		LinkConfig: cozylife.LinkConfig{
			IOTimeout: f.timeout,
			Reconnect: cozylife.DefaultReconnectPolicy(),
		},
		Notifier:     notifier,
		ConfirmDelay: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	if err := d.Link().Connect(ctx); err != nil {
		d.Close() //nolint:errcheck // Connect already failed
		return nil, fmt.Errorf("connecting to %s: %w", d.Info().Address(), err)
	}
	return d, nil
}

// channelReport is the JSON line printed per channel.
type channelReport struct {
	UniqueID string `json:"unique_id"`
	Channel  int    `json:"channel"`
	On       bool   `json:"on"`
}

func newQueryCmd() *cobra.Command {
	var flags deviceFlags

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Read a device's relay state once",
		Example: `  cozylife-bridge query --ip 192.168.1.40
  cozylife-bridge query --ip 192.168.1.40 --channels 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQuery(cmd.Context(), &flags, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	return cmd
}

func runQuery(ctx context.Context, flags *deviceFlags, out io.Writer) error {
	d, err := flags.openDevice(ctx, cozylife.NotifierFunc(func(cozylife.ChannelState) {}))
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck // One-shot command

	raw, err := d.Query(ctx)
	if err != nil {
		return fmt.Errorf("querying device: %w", err)
	}
	return printChannels(out, d, raw)
}

func newSetCmd() *cobra.Command {
	var (
		flags   deviceFlags
		channel int
		on, off bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Turn one channel on or off",
		Example: `  cozylife-bridge set --ip 192.168.1.40 --channel 2 --on
  cozylife-bridge set --ip 192.168.1.40 --off`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSet(cmd.Context(), &flags, channel, on, cmd.OutOrStdout())
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&channel, "channel", 1, "Channel number (1-based)")
	cmd.Flags().BoolVar(&on, "on", false, "Turn the channel on")
	cmd.Flags().BoolVar(&off, "off", false, "Turn the channel off")
	cmd.MarkFlagsMutuallyExclusive("on", "off")
	cmd.MarkFlagsOneRequired("on", "off")
	return cmd
}

func runSet(ctx context.Context, flags *deviceFlags, channel int, on bool, out io.Writer) error {
	d, err := flags.openDevice(ctx, cozylife.NotifierFunc(func(cozylife.ChannelState) {}))
	if err != nil {
		return err
	}
	defer d.Close() //nolint:errcheck // One-shot command

	c := d.Channel(channel)
	if c == nil {
		return fmt.Errorf("%w: channel %d of %d", cozylife.ErrUnknownChannel, channel, flags.channels)
	}
	if err := c.ApplyCommand(ctx, on); err != nil {
		return err
	}

	// ApplyCommand's confirming poll has refreshed the link's cached state.
	raw, ok := d.Link().State()
	if !ok {
		return errors.New("device state unknown after write")
	}
	return printChannels(out, d, raw)
}

func printChannels(out io.Writer, d *cozylife.Device, raw cozylife.DataPoints) error {
	enc := json.NewEncoder(out)
	for _, c := range d.Channels() {
		if err := enc.Encode(channelReport{
			UniqueID: c.UniqueID(),
			Channel:  c.Channel(),
			On:       c.Decode(raw),
		}); err != nil {
			return err
		}
	}
	return nil
}
