package cozylife

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Default timeouts for device communication.
const (
	// DefaultPort is the CozyLife local control port.
	DefaultPort = 5555

	// defaultConnectTimeout bounds a single dial attempt.
	defaultConnectTimeout = 3 * time.Second

	// defaultIOTimeout bounds one request/response exchange.
	defaultIOTimeout = 2 * time.Second

	// maxSkippedFrames is how many unrelated frames (pushes, stale replies)
	// are tolerated while waiting for a response.
	maxSkippedFrames = 8

	// maxFrameSize caps a single response line.
	maxFrameSize = 16 * 1024
)

// ConnStatus is the connection state of a DeviceLink.
type ConnStatus int32

const (
	StatusDisconnected ConnStatus = iota
	StatusConnecting
	StatusConnected
	StatusFaulted
)

// String returns the status name.
func (s ConnStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// LinkConfig holds device connection configuration.
type LinkConfig struct {
	// Address is host:port of the device.
	Address string

	// ConnectTimeout bounds each dial. Default: 3 seconds.
	ConnectTimeout time.Duration

	// IOTimeout bounds each query or control exchange. Default: 2 seconds.
	IOTimeout time.Duration

	// Reconnect is the backoff used by ScheduleReconnect.
	Reconnect ReconnectPolicy

	// Codec is the wire format. Default: JSONCodec.
	Codec Codec
}

// LinkStats holds operational statistics for one link.
type LinkStats struct {
	Status          ConnStatus
	Queries         uint64
	Controls        uint64
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	FramesSkipped   uint64
	LastActivity    time.Time
	Reconnecting    bool

	// Contended counts exchanges that waited on the device's serializer.
	// Filled in by Bridge.LinkStats; a bare link reports zero.
	Contended uint64
}

// Link is the device session used by Device and Poller.
// This allows mocking the TCP session in tests.
type Link interface {
	Connect(ctx context.Context) error
	Query(ctx context.Context) (DataPoints, error)
	Control(ctx context.Context, changes DataPoints) error
	State() (DataPoints, bool)
	Status() ConnStatus
	ScheduleReconnect()
	Stats() LinkStats
	Close() error
}

// Ensure DeviceLink implements Link.
var _ Link = (*DeviceLink)(nil)

// session is one live TCP connection and its line reader.
type session struct {
	conn net.Conn
	r    *bufio.Reader
}

// DeviceLink is the persistent TCP session to one physical device.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Query and Control must still be serialized by the caller
//     (see CommandSerializer) because responses are matched on one stream.
//
// Reconnection:
//   - Any I/O failure closes the session and moves the link to StatusFaulted.
//   - ScheduleReconnect starts at most one background goroutine that retries
//     forever with ReconnectPolicy backoff until a session is up or Close is called.
type DeviceLink struct {
	cfg    LinkConfig
	dialer net.Dialer

	sessMu sync.Mutex
	sess   *session
	status atomic.Int32

	stateMu sync.RWMutex
	state   DataPoints

	lastSeq atomic.Int64

	// Lifetime
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reconnecting atomic.Bool

	// Statistics
	queries         atomic.Uint64
	controls        atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	framesSkipped   atomic.Uint64
	lastActivity    atomic.Int64

	logHolder
}

// NewDeviceLink creates a link in StatusDisconnected. No I/O happens until Connect.
func NewDeviceLink(cfg LinkConfig) *DeviceLink {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = defaultIOTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &DeviceLink{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Address returns the device address this link dials.
func (l *DeviceLink) Address() string {
	return l.cfg.Address
}

// Connect opens the TCP session. It is a no-op when already connected.
// On failure the link is StatusFaulted and an ErrConnectionFailed-wrapped
// error is returned.
func (l *DeviceLink) Connect(ctx context.Context) error {
	if l.isClosed() {
		return ErrClosed
	}

	l.sessMu.Lock()
	connected := l.sess != nil
	l.sessMu.Unlock()
	if connected {
		return nil
	}

	l.status.Store(int32(StatusConnecting))

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, err := l.dialer.DialContext(dialCtx, "tcp", l.cfg.Address)
	if err != nil {
		l.status.Store(int32(StatusFaulted))
		l.errorsTotal.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, l.cfg.Address, err)
	}

	l.sessMu.Lock()
	if l.sess != nil || l.isClosed() {
		// Lost a race with another Connect or with Close.
		l.sessMu.Unlock()
		conn.Close()
		if l.isClosed() {
			return ErrClosed
		}
		return nil
	}
	l.sess = &session{conn: conn, r: bufio.NewReaderSize(conn, 1024)}
	l.sessMu.Unlock()

	l.status.Store(int32(StatusConnected))
	l.lastActivity.Store(time.Now().Unix())
	l.logInfo("device connected", "address", l.cfg.Address)
	return nil
}

// Query requests all data points and returns them. The cached state is
// replaced on success. It never returns an empty map in place of an error.
func (l *DeviceLink) Query(ctx context.Context) (DataPoints, error) {
	seq := l.nextSeq()
	frame, err := l.cfg.Codec.EncodeQuery(seq)
	if err != nil {
		return nil, err
	}

	resp, err := l.exchange(ctx, seq, CmdQuery, frame)
	if err != nil {
		return nil, err
	}
	if !resp.HasData {
		err := fmt.Errorf("%w: query response without data", ErrMalformedResponse)
		l.dropSession(err)
		return nil, err
	}

	l.queries.Add(1)
	l.stateMu.Lock()
	l.state = resp.Data.Clone()
	l.stateMu.Unlock()

	return resp.Data, nil
}

// Control writes the given data points and waits for the device to
// acknowledge. It does not re-query; the cached state is merged with changes.
func (l *DeviceLink) Control(ctx context.Context, changes DataPoints) error {
	seq := l.nextSeq()
	frame, err := l.cfg.Codec.EncodeControl(seq, changes)
	if err != nil {
		return err
	}

	resp, err := l.exchange(ctx, seq, CmdControl, frame)
	if err != nil {
		return err
	}
	if resp.Result != 0 {
		l.errorsTotal.Add(1)
		return fmt.Errorf("%w: result code %d", ErrCommandRejected, resp.Result)
	}

	l.controls.Add(1)
	l.stateMu.Lock()
	l.state = l.state.Merge(changes)
	l.stateMu.Unlock()

	return nil
}

// State returns a copy of the last-known data points and whether any
// have been read yet.
func (l *DeviceLink) State() (DataPoints, bool) {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	if l.state == nil {
		return nil, false
	}
	return l.state.Clone(), true
}

// Status returns the current connection status.
func (l *DeviceLink) Status() ConnStatus {
	return ConnStatus(l.status.Load())
}

// exchange writes one frame and reads until the matching response arrives.
func (l *DeviceLink) exchange(ctx context.Context, seq string, cmd int, frame []byte) (Frame, error) {
	if l.isClosed() {
		return Frame{}, ErrClosed
	}

	l.sessMu.Lock()
	s := l.sess
	l.sessMu.Unlock()
	if s == nil {
		return Frame{}, ErrNotConnected
	}

	deadline := time.Now().Add(l.cfg.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return Frame{}, l.fail(ctx, s, err)
	}

	// Unblock I/O immediately if the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := s.conn.Write(frame); err != nil {
		return Frame{}, l.fail(ctx, s, err)
	}

	for range maxSkippedFrames {
		line, err := readLine(s.r)
		if err != nil {
			return Frame{}, l.fail(ctx, s, err)
		}
		if len(line) == 0 {
			continue
		}

		resp, err := l.cfg.Codec.Decode(line)
		if err != nil {
			return Frame{}, l.fail(ctx, s, err)
		}
		if resp.Cmd != cmd || resp.Seq != seq {
			l.framesSkipped.Add(1)
			l.logDebug("skipping unrelated frame", "address", l.cfg.Address, "cmd", resp.Cmd, "sn", resp.Seq)
			continue
		}

		l.lastActivity.Store(time.Now().Unix())
		return resp, nil
	}

	return Frame{}, l.fail(ctx, s, fmt.Errorf("%w: no response to sn %s after %d frames", ErrMalformedResponse, seq, maxSkippedFrames))
}

// readLine reads one CRLF/LF terminated line without the terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > maxFrameSize {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedResponse, maxFrameSize)
		}
		if !isPrefix {
			return line, nil
		}
	}
}

// fail classifies err, drops the session and returns the classified error.
func (l *DeviceLink) fail(ctx context.Context, s *session, err error) error {
	classified := classifyIOError(ctx, err)
	l.dropSessionIf(s, classified)
	return classified
}

// classifyIOError maps raw I/O errors onto the package taxonomy.
func classifyIOError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, ErrMalformedResponse) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: device closed the connection", ErrConnectionFailed)
	}
	return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
}

// dropSession closes whatever session is current.
func (l *DeviceLink) dropSession(reason error) {
	l.sessMu.Lock()
	s := l.sess
	l.sessMu.Unlock()
	if s != nil {
		l.dropSessionIf(s, reason)
	}
}

// dropSessionIf closes s, forgets the cached state and marks the link
// faulted, unless s has already been replaced by a newer session.
func (l *DeviceLink) dropSessionIf(s *session, reason error) {
	l.errorsTotal.Add(1)

	l.sessMu.Lock()
	current := l.sess == s
	if current {
		l.sess = nil
	}
	l.sessMu.Unlock()

	s.conn.Close()
	if !current {
		return
	}

	// The device may have rebooted or been switched by hand while we were
	// away; the next write must start from a fresh read.
	l.stateMu.Lock()
	l.state = nil
	l.stateMu.Unlock()

	if !l.isClosed() {
		l.status.Store(int32(StatusFaulted))
	}
	l.logWarn("device session dropped", "address", l.cfg.Address, "reason", reason)
}

// nextSeq returns a millisecond timestamp, bumped to stay strictly increasing.
func (l *DeviceLink) nextSeq() string {
	now := time.Now().UnixMilli()
	for {
		last := l.lastSeq.Load()
		next := max(now, last+1)
		if l.lastSeq.CompareAndSwap(last, next) {
			return strconv.FormatInt(next, 10)
		}
	}
}

// ScheduleReconnect starts a background reconnect unless one is already
// running, the link is connected, or the link is closed. It never blocks.
func (l *DeviceLink) ScheduleReconnect() {
	if l.isClosed() || l.Status() == StatusConnected {
		return
	}
	if !l.reconnecting.CompareAndSwap(false, true) {
		return
	}

	l.wg.Add(1)
	go l.reconnectLoop()
}

// reconnectLoop retries Connect with backoff until it succeeds or the link closes.
func (l *DeviceLink) reconnectLoop() {
	defer l.wg.Done()
	defer l.reconnecting.Store(false)

	for attempt := 1; ; attempt++ {
		if l.isClosed() {
			return
		}

		err := l.Connect(l.ctx)
		if err == nil {
			l.reconnectsTotal.Add(1)
			l.logInfo("device reconnected", "address", l.cfg.Address, "attempts", attempt)
			return
		}
		if errors.Is(err, ErrClosed) {
			return
		}

		backoff := l.cfg.Reconnect.Delay(attempt)
		l.logWarn("reconnect failed", "address", l.cfg.Address, "attempt", attempt,
			"retry_in", backoff.String(), "error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-l.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *DeviceLink) isClosed() bool {
	return l.ctx.Err() != nil
}

// Close closes the session, stops any reconnect and waits for it to exit.
// Safe to call more than once.
func (l *DeviceLink) Close() error {
	l.cancel()

	l.sessMu.Lock()
	s := l.sess
	l.sess = nil
	l.sessMu.Unlock()

	if s != nil {
		s.conn.Close()
	}

	l.wg.Wait()
	l.status.Store(int32(StatusDisconnected))
	return nil
}

// Stats returns current link statistics.
func (l *DeviceLink) Stats() LinkStats {
	return LinkStats{
		Status:          l.Status(),
		Queries:         l.queries.Load(),
		Controls:        l.controls.Load(),
		ErrorsTotal:     l.errorsTotal.Load(),
		ReconnectsTotal: l.reconnectsTotal.Load(),
		FramesSkipped:   l.framesSkipped.Load(),
		LastActivity:    time.Unix(l.lastActivity.Load(), 0),
		Reconnecting:    l.reconnecting.Load(),
	}
}
