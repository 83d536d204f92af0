package cozylife

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// commandTimeout bounds one command including its confirming poll.
	commandTimeout = 10 * time.Second

	// connectConcurrency limits simultaneous initial dials.
	connectConcurrency = 8

	// notifyQueueSize is the buffer between pollers and the dispatcher.
	notifyQueueSize = 256

	// commandQueueSize is the per-device buffer of pending MQTT commands.
	commandQueueSize = 16
)

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// StateRecorder persists channel state changes (audit trail).
// Optional; satisfied by the SQLite history repository via an adapter.
type StateRecorder interface {
	RecordStateChange(ctx context.Context, state ChannelState) error
}

// HistoryReader serves the read_history and list_devices requests from the
// audit trail. Optional; without it those requests answer NOT_CONFIGURED.
type HistoryReader interface {
	ChannelHistory(ctx context.Context, uniqueID string, limit int) ([]ChannelState, error)
	Inventory(ctx context.Context) ([]InventoryDevice, error)
}

// StateWriter forwards channel state to a time-series store.
// Optional; writes must be non-blocking.
type StateWriter interface {
	WriteChannelState(state ChannelState)
}

// MetricsRecorder receives operational counters. Optional.
type MetricsRecorder interface {
	ObservePoll(deviceID string, elapsed time.Duration, err error)
	ObserveCommand(uniqueID string, err error)
	ObserveChannel(uniqueID string, on, available bool)
	ObserveDropped()
}

// LinkFactory builds the session for a device. Used by tests to inject fakes.
type LinkFactory func(info DeviceInfo) Link

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	BridgeID string
	Version  string

	// Devices is the configured device list.
	Devices []DeviceInfo

	// MQTTClient publishes state and receives commands.
	MQTTClient MQTTClient

	// LinkConfig is the template for every DeviceLink (Address is filled per device).
	LinkConfig LinkConfig

	// LinkFactory overrides DeviceLink construction when set.
	LinkFactory LinkFactory

	PollInterval   time.Duration
	ConfirmDelay   time.Duration
	StopGrace      time.Duration
	HealthInterval time.Duration

	History       StateRecorder
	HistoryReader HistoryReader
	TimeSeries    StateWriter
	Metrics    MetricsRecorder

	Logger Logger
}

type commandJob struct {
	cmd     CommandMessage
	channel *ChannelView
	on      bool
}

// Bridge owns all devices, routes on/off commands to channels and fans
// channel state changes out to MQTT and the optional sinks.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	id      string
	mqtt    MQTTClient
	health  *HealthReporter
	history StateRecorder
	reader  HistoryReader
	series  StateWriter
	metrics MetricsRecorder

	devices  map[string]*Device
	order    []string
	channels map[string]*ChannelView

	notifyQueue chan ChannelState
	commands    map[string]chan commandJob

	notifications atomic.Uint64
	dropped       atomic.Uint64

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logHolder
}

var (
	_ Notifier     = (*Bridge)(nil)
	_ PollObserver = (*Bridge)(nil)
	_ HealthSource = (*Bridge)(nil)
)

// NewBridge creates a bridge and its devices. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if len(opts.Devices) == 0 {
		return nil, fmt.Errorf("at least one device is required")
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		id:          opts.BridgeID,
		mqtt:        opts.MQTTClient,
		history:     opts.History,
		reader:      opts.HistoryReader,
		series:      opts.TimeSeries,
		metrics:     opts.Metrics,
		devices:     make(map[string]*Device, len(opts.Devices)),
		channels:    make(map[string]*ChannelView),
		notifyQueue: make(chan ChannelState, notifyQueueSize),
		commands:    make(map[string]chan commandJob, len(opts.Devices)),
		done:        make(chan struct{}),
		ctx:         ctx,
		ctxCancel:   ctxCancel,
	}
	b.SetLogger(opts.Logger)

	for _, info := range opts.Devices {
		if _, dup := b.devices[info.DeviceID]; dup {
			ctxCancel()
			return nil, fmt.Errorf("duplicate device id %q", info.DeviceID)
		}

		devOpts := DeviceOptions{
			Info:         info,
			LinkConfig:   opts.LinkConfig,
			Notifier:     b,
			PollInterval: opts.PollInterval,
			StopGrace:    opts.StopGrace,
			ConfirmDelay: opts.ConfirmDelay,
			Logger:       opts.Logger,
		}
		if opts.LinkFactory != nil {
			devOpts.Link = opts.LinkFactory(info)
		}

		d, err := NewDevice(devOpts)
		if err != nil {
			ctxCancel()
			return nil, err
		}

		b.devices[info.DeviceID] = d
		b.order = append(b.order, info.DeviceID)
		b.commands[info.DeviceID] = make(chan commandJob, commandQueueSize)
		for _, c := range d.channels {
			b.channels[c.uniqueID] = c
		}
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Source:    b,
	})
	b.health.SetLogger(opts.Logger)

	return b, nil
}

// Start connects every device, subscribes to MQTT commands and requests,
// and starts polling and health reporting. Devices that cannot be reached
// are left reconnecting in the background; Start does not fail for them.
func (b *Bridge) Start(ctx context.Context) error {
	var startErr error
	b.startOnce.Do(func() {
		startErr = b.start(ctx)
	})
	return startErr
}

func (b *Bridge) start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.wg.Add(1)
	go b.dispatchLoop()

	var g errgroup.Group
	g.SetLimit(connectConcurrency)
	for _, id := range b.order {
		d := b.devices[id]
		g.Go(func() error {
			if err := d.Connect(ctx); err != nil {
				b.logWarn("initial connect failed, retrying in background",
					"device_id", d.ID(), "address", d.info.Address(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range b.order {
		b.wg.Add(1)
		go b.commandWorker(b.commands[id])
		b.devices[id].poller.Start(b.ctx)
	}

	if err := b.mqtt.Subscribe(CommandSubscribeTopic(), 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", CommandSubscribeTopic())

	if err := b.mqtt.Subscribe(RequestSubscribeTopic(), 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logInfo("subscribed to requests", "topic", RequestSubscribeTopic())

	b.health.Start(b.ctx)

	b.logInfo("bridge started",
		"bridge_id", b.id,
		"devices", len(b.devices),
		"channels", len(b.channels))
	return nil
}

// Stop cancels in-flight commands, stops every poller within its grace
// period, closes every link and stops health reporting.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.ctxCancel()

		var g errgroup.Group
		for _, id := range b.order {
			d := b.devices[id]
			g.Go(func() error {
				if err := d.Close(); err != nil {
					b.logError("device close failed", err, "device_id", d.ID())
				}
				return nil
			})
		}
		_ = g.Wait()

		b.health.Stop()

		close(b.done)
		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// TurnOn switches the channel on.
func (b *Bridge) TurnOn(ctx context.Context, uniqueID string) error {
	return b.setChannel(ctx, uniqueID, true)
}

// TurnOff switches the channel off.
func (b *Bridge) TurnOff(ctx context.Context, uniqueID string) error {
	return b.setChannel(ctx, uniqueID, false)
}

func (b *Bridge) setChannel(ctx context.Context, uniqueID string, on bool) error {
	c, ok := b.channels[uniqueID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, uniqueID)
	}

	err := c.ApplyCommand(ctx, on)
	if b.metrics != nil {
		b.metrics.ObserveCommand(uniqueID, err)
	}
	return err
}

// Channel returns the channel with the given unique id.
func (b *Bridge) Channel(uniqueID string) (*ChannelView, bool) {
	c, ok := b.channels[uniqueID]
	return c, ok
}

// Device returns the device with the given id.
func (b *Bridge) Device(deviceID string) (*Device, bool) {
	d, ok := b.devices[deviceID]
	return d, ok
}

// Channels returns snapshots of all channels sorted by unique id.
func (b *Bridge) Channels() []ChannelState {
	out := make([]ChannelState, 0, len(b.channels))
	for _, c := range b.channels {
		out = append(out, c.Snapshot())
	}
	slices.SortFunc(out, func(a, b ChannelState) int {
		return strings.Compare(a.UniqueID, b.UniqueID)
	})
	return out
}

// Notify queues a state change for dispatch. It never blocks the poller.
func (b *Bridge) Notify(state ChannelState) {
	select {
	case b.notifyQueue <- state:
	default:
		b.dropped.Add(1)
		if b.metrics != nil {
			b.metrics.ObserveDropped()
		}
		b.logError("notification queue full, dropping state", fmt.Errorf("unique_id=%s", state.UniqueID))
	}
}

// ObservePoll forwards poll outcomes to the metrics recorder.
func (b *Bridge) ObservePoll(deviceID string, elapsed time.Duration, err error) {
	if b.metrics != nil {
		b.metrics.ObservePoll(deviceID, elapsed, err)
	}
}

// dispatchLoop publishes queued states in order until Stop.
func (b *Bridge) dispatchLoop() {
	defer b.wg.Done()

	for {
		select {
		case state := <-b.notifyQueue:
			b.dispatch(state)
		case <-b.done:
			for {
				select {
				case state := <-b.notifyQueue:
					b.dispatch(state)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) dispatch(state ChannelState) {
	b.notifications.Add(1)

	var info DeviceInfo
	if d, ok := b.devices[state.DeviceID]; ok {
		info = d.info
	}

	payload, err := json.Marshal(NewStateMessage(state, info))
	if err != nil {
		b.logError("failed to marshal state", err)
	} else if err := b.mqtt.Publish(StateTopic(state.UniqueID), payload, 1, true); err != nil {
		b.logError("failed to publish state", err, "unique_id", state.UniqueID)
	}

	b.logDebug("channel state",
		"unique_id", state.UniqueID,
		"on", state.On,
		"available", state.Available)

	if b.history != nil {
		// Detached from b.ctx so the final states are still recorded during Stop.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.history.RecordStateChange(ctx, state); err != nil {
			b.logError("failed to record state change", err, "unique_id", state.UniqueID)
		}
		cancel()
	}
	if b.series != nil {
		b.series.WriteChannelState(state)
	}
	if b.metrics != nil {
		b.metrics.ObserveChannel(state.UniqueID, state.On, state.Available)
	}
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		b.handleCommand(topic, payload)
	case "request":
		b.handleRequest(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// handleCommand validates a command and queues it on the device's worker so
// commands for one device execute in arrival order.
func (b *Bridge) handleCommand(topic string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.UniqueID == "" {
		cmd.UniqueID = topicTail(topic)
	}

	b.logInfo("received command",
		"command_id", cmd.ID,
		"unique_id", cmd.UniqueID,
		"command", cmd.Command)

	c, ok := b.channels[cmd.UniqueID]
	if !ok {
		b.publishAckError(cmd, ErrCodeNotConfigured, fmt.Sprintf("channel %s not configured", cmd.UniqueID))
		return
	}

	var on bool
	switch cmd.Command {
	case "on":
		on = true
	case "off":
		on = false
	case "toggle":
		on = !c.IsOn()
	default:
		b.publishAckError(cmd, ErrCodeInvalidCommand, fmt.Sprintf("unknown command: %s", cmd.Command))
		return
	}

	select {
	case b.commands[c.device.info.DeviceID] <- commandJob{cmd: cmd, channel: c, on: on}:
	default:
		b.publishAckError(cmd, ErrCodeBridgeError, "command queue full")
	}
}

// commandWorker executes queued commands for one device until Stop.
func (b *Bridge) commandWorker(jobs <-chan commandJob) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case job := <-jobs:
			b.executeCommand(job)
		}
	}
}

func (b *Bridge) executeCommand(job commandJob) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	err := b.setChannel(ctx, job.channel.uniqueID, job.on)
	if err == nil {
		b.publishAck(job.cmd, AckAccepted)
		return
	}

	b.publishAckError(job.cmd, ErrorCode(err), err.Error())
}

// ErrorCode maps an operation error onto an ack error code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrConnectionFailed):
		return ErrCodeDeviceUnreachable
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrCommandRejected):
		return ErrCodeProtocolError
	case errors.Is(err, ErrUnknownChannel):
		return ErrCodeNotConfigured
	default:
		return ErrCodeBridgeError
	}
}

func (b *Bridge) publishAck(cmd CommandMessage, status AckStatus) {
	b.publishJSON(AckTopic(cmd.UniqueID), NewAckMessage(cmd, status))
}

func (b *Bridge) publishAckError(cmd CommandMessage, code, message string) {
	b.publishJSON(AckTopic(cmd.UniqueID), NewAckError(cmd, code, message))
	b.logError("command failed", fmt.Errorf("code=%s message=%s", code, message),
		"command_id", cmd.ID, "unique_id", cmd.UniqueID)
}

func (b *Bridge) publishJSON(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", err, "topic", topic)
		return
	}
	if err := b.mqtt.Publish(topic, payload, 1, false); err != nil {
		b.logError("failed to publish message", err, "topic", topic)
	}
}

// handleRequest answers a request asynchronously so the MQTT router is not held.
func (b *Bridge) handleRequest(payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		b.logError("failed to parse request", err)
		return
	}

	b.logInfo("received request",
		"request_id", req.RequestID,
		"action", req.Action)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.publishJSON(ResponseTopic(req.RequestID), b.answerRequest(req))
	}()
}

func (b *Bridge) answerRequest(req RequestMessage) ResponseMessage {
	resp := ResponseMessage{
		RequestID: req.RequestID,
		Timestamp: time.Now().UTC(),
	}

	fail := func(code, message string) ResponseMessage {
		resp.Error = &ResponseError{Code: code, Message: message}
		return resp
	}

	switch req.Action {
	case "list_channels":
		resp.Success = true
		resp.Data = map[string]any{"channels": b.Channels()}
		return resp

	case "read_state":
		if req.DeviceID == "" {
			return fail(ErrCodeInvalidParameters, "device_id is required")
		}
		d, ok := b.devices[req.DeviceID]
		if !ok {
			return fail(ErrCodeNotConfigured, fmt.Sprintf("device %s not configured", req.DeviceID))
		}

		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		if err := d.poller.PollNow(ctx); err != nil {
			return fail(ErrorCode(err), err.Error())
		}

		states := make([]ChannelState, 0, len(d.channels))
		for _, c := range d.channels {
			states = append(states, c.Snapshot())
		}
		resp.Success = true
		resp.Data = map[string]any{"channels": states}
		return resp

	case "read_history":
		if req.UniqueID == "" {
			return fail(ErrCodeInvalidParameters, "unique_id is required")
		}
		if _, ok := b.channels[req.UniqueID]; !ok {
			return fail(ErrCodeNotConfigured, fmt.Sprintf("channel %s not configured", req.UniqueID))
		}
		if b.reader == nil {
			return fail(ErrCodeNotConfigured, "state history is disabled")
		}

		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		entries, err := b.reader.ChannelHistory(ctx, req.UniqueID, req.Limit)
		if err != nil {
			return fail(ErrCodeBridgeError, err.Error())
		}
		resp.Success = true
		resp.Data = map[string]any{"history": entries}
		return resp

	case "list_devices":
		if b.reader == nil {
			return fail(ErrCodeNotConfigured, "state history is disabled")
		}

		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		defer cancel()
		devices, err := b.reader.Inventory(ctx)
		if err != nil {
			return fail(ErrCodeBridgeError, err.Error())
		}
		resp.Success = true
		resp.Data = map[string]any{"devices": devices}
		return resp

	default:
		return fail(ErrCodeInvalidCommand, fmt.Sprintf("unknown action: %s", req.Action))
	}
}

// DeviceCounts returns the number of configured devices and how many
// currently have a live session.
func (b *Bridge) DeviceCounts() (managed, online int) {
	for _, d := range b.devices {
		if d.link.Status() == StatusConnected {
			online++
		}
	}
	return len(b.devices), online
}

// Statistics aggregates link and dispatch counters.
func (b *Bridge) Statistics() BridgeStatistics {
	stats := BridgeStatistics{
		Notifications: b.notifications.Load(),
		Dropped:       b.dropped.Load(),
	}
	for _, d := range b.devices {
		ls := d.link.Stats()
		stats.Queries += ls.Queries
		stats.Controls += ls.Controls
		stats.Errors += ls.ErrorsTotal
		stats.Reconnects += ls.ReconnectsTotal
	}
	return stats
}

// LinkStats returns per-device link statistics keyed by device id.
func (b *Bridge) LinkStats() map[string]LinkStats {
	out := make(map[string]LinkStats, len(b.devices))
	for id, d := range b.devices {
		ls := d.link.Stats()
		ls.Contended = d.serializer.Contended()
		out[id] = ls
	}
	return out
}

// PublishHealth publishes the current health status immediately. Call it
// after an MQTT reconnect so the retained offline will is replaced.
func (b *Bridge) PublishHealth() error {
	return b.health.PublishNow()
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.logHolder.SetLogger(logger)
	if b.health != nil {
		b.health.SetLogger(logger)
	}
}
