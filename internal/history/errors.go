package history

import "errors"

var (
	// ErrUniqueIDRequired is returned when an entry or query has no unique id.
	ErrUniqueIDRequired = errors.New("history: unique id is required")

	// ErrDeviceIDRequired is returned when a device record has no device id.
	ErrDeviceIDRequired = errors.New("history: device id is required")

	// ErrInvalidRetention is returned for a zero or negative retention.
	ErrInvalidRetention = errors.New("history: retention must be positive")
)
