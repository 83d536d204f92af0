package cozylife

import "errors"

// Domain errors for the CozyLife bridge package.
var (
	// ErrNotConnected is returned when an operation requires a session
	// but the link currently has none (never connected or faulted).
	ErrNotConnected = errors.New("cozylife: not connected to device")

	// ErrConnectionFailed is returned when the device refuses the connection,
	// is unreachable, or drops the session mid-exchange.
	ErrConnectionFailed = errors.New("cozylife: connection to device failed")

	// ErrTimeout is returned when the device does not answer within the I/O timeout.
	ErrTimeout = errors.New("cozylife: device did not respond in time")

	// ErrMalformedResponse is returned when a response cannot be decoded
	// or lacks the expected data.
	ErrMalformedResponse = errors.New("cozylife: malformed response")

	// ErrCommandRejected is returned when the device answers a control
	// frame with a non-zero result code.
	ErrCommandRejected = errors.New("cozylife: command rejected by device")

	// ErrUnknownChannel is returned when a unique id does not resolve to a channel.
	ErrUnknownChannel = errors.New("cozylife: unknown channel")

	// ErrClosed is returned when the link has been closed.
	ErrClosed = errors.New("cozylife: link closed")

	// ErrStopTimeout is returned when a poller does not exit within its grace period.
	ErrStopTimeout = errors.New("cozylife: poller did not stop in time")
)

// isLinkFailure reports whether err means the session is unusable and a
// reconnect should be scheduled.
func isLinkFailure(err error) bool {
	return errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrMalformedResponse)
}
