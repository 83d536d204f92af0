package cozylife

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Poll cadence limits.
const (
	// DefaultPollInterval matches the responsiveness of the vendor app.
	DefaultPollInterval = 700 * time.Millisecond

	minPollInterval = 100 * time.Millisecond
	maxPollInterval = time.Minute

	defaultStopGrace = 5 * time.Second
)

// PollState is the state of a device's poll loop.
type PollState int32

const (
	PollIdle PollState = iota
	PollPolling
	PollFaulted
)

// String returns the state name.
func (s PollState) String() string {
	switch s {
	case PollIdle:
		return "idle"
	case PollPolling:
		return "polling"
	case PollFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Notifier receives channel state changes.
// Implementations must not block for long; the poller calls it inline.
type Notifier interface {
	Notify(state ChannelState)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ChannelState)

// Notify calls f.
func (f NotifierFunc) Notify(state ChannelState) { f(state) }

// PollObserver is optionally implemented by a Notifier to receive every
// poll outcome, including unchanged ones (used for metrics).
type PollObserver interface {
	ObservePoll(deviceID string, elapsed time.Duration, err error)
}

// Poller is the single poll loop of one device. All of the device's
// channels are refreshed from one query per tick.
//
// State machine:
//
//	Idle ──Start──► Polling ──query fails──► Faulted
//	                   ▲                        │
//	                   └──── query succeeds ────┘
//
// A failure publishes "unavailable" once per transition, not once per tick,
// and schedules a non-blocking reconnect on the link.
type Poller struct {
	device   *Device
	notifier Notifier
	interval time.Duration
	grace    time.Duration

	state   atomic.Int32
	running atomic.Bool

	// cycleMu orders poll cycles so channel updates and notifications
	// from a tick and a confirming poll never interleave.
	cycleMu sync.Mutex

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	cycles   atomic.Uint64
	failures atomic.Uint64

	logHolder
}

func newPoller(d *Device, n Notifier, interval, grace time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	interval = min(max(interval, minPollInterval), maxPollInterval)
	if grace <= 0 {
		grace = defaultStopGrace
	}
	return &Poller{
		device:   d,
		notifier: n,
		interval: interval,
		grace:    grace,
	}
}

// Interval returns the effective poll cadence.
func (p *Poller) Interval() time.Duration { return p.interval }

// State returns the current poll state.
func (p *Poller) State() PollState {
	return PollState(p.state.Load())
}

// Start launches the loop. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if p.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running.Store(true)
	p.state.Store(int32(PollPolling))

	go p.run(runCtx, p.done)
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer p.exit(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	_ = p.PollNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.PollNow(ctx)
		}
	}
}

// exit returns the poller to Idle unless a newer loop has already been
// started. Holding cycleMu keeps an in-flight PollNow from overwriting it.
func (p *Poller) exit(done chan struct{}) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	p.runMu.Lock()
	superseded := p.done != nil && p.done != done
	p.runMu.Unlock()
	if superseded {
		return
	}
	p.running.Store(false)
	p.state.Store(int32(PollIdle))
}

// transition moves a running poller to next and returns the previous state.
// Without a running loop the state stays Idle and Idle is returned.
func (p *Poller) transition(next PollState) PollState {
	if !p.running.Load() {
		return PollIdle
	}
	return PollState(p.state.Swap(int32(next)))
}

// Stop cancels the loop and waits up to the grace period for it to exit.
func (p *Poller) Stop() error {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.runMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		p.logWarn("poller did not stop within grace period", "device_id", p.device.info.DeviceID, "grace", p.grace.String())
		return ErrStopTimeout
	}
}

// PollNow runs one poll cycle synchronously and publishes any changes.
// Cancellation of ctx is not treated as a device failure. It may be called
// without a running loop; the poll state is then left Idle.
func (p *Poller) PollNow(ctx context.Context) error {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := time.Now()
	raw, err := p.device.Query(ctx)
	elapsed := time.Since(start)
	p.cycles.Add(1)

	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if obs, ok := p.notifier.(PollObserver); ok {
		obs.ObservePoll(p.device.info.DeviceID, elapsed, err)
	}

	now := time.Now().UTC()
	if err != nil {
		p.failures.Add(1)
		if p.transition(PollFaulted) != PollFaulted {
			p.logWarn("device unavailable", "device_id", p.device.info.DeviceID, "error", err)
		}
		p.device.link.ScheduleReconnect()
		p.publish(nil, false, now)
		return err
	}

	if p.transition(PollPolling) == PollFaulted {
		p.logInfo("device available", "device_id", p.device.info.DeviceID)
	}
	p.publish(raw, true, now)
	return nil
}

func (p *Poller) publish(raw DataPoints, ok bool, at time.Time) {
	for _, c := range p.device.channels {
		if state, changed := c.observe(raw, ok, at); changed {
			p.notifier.Notify(state)
		}
	}
}

// Cycles returns the number of poll cycles run.
func (p *Poller) Cycles() uint64 { return p.cycles.Load() }

// Failures returns the number of failed poll cycles.
func (p *Poller) Failures() uint64 { return p.failures.Load() }
