package history

import (
	"context"
	"time"
)

// Source values recorded with each entry.
const (
	SourcePoll    = "poll"
	SourceCommand = "command"
)

// Entry is one recorded channel state change.
type Entry struct {
	ID        int64     `json:"id"`
	UniqueID  string    `json:"unique_id"`
	DeviceID  string    `json:"device_id"`
	Channel   int       `json:"channel"`
	On        bool      `json:"on"`
	Available bool      `json:"available"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Device is the persisted identity of a configured device.
type Device struct {
	DeviceID  string    `json:"device_id"`
	Address   string    `json:"address"`
	ProductID string    `json:"product_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Channels  int       `json:"channels"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repository stores and retrieves channel state history.
//
// Implementations must be safe for concurrent use.
type Repository interface {
	// Record appends an entry. CreatedAt defaults to now.
	Record(ctx context.Context, entry Entry) error

	// GetHistory returns recent entries for one channel, newest first.
	GetHistory(ctx context.Context, uniqueID string, limit int) ([]Entry, error)

	// PruneHistory deletes entries older than olderThan and reports how many.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)

	// UpsertDevice records or refreshes a device's identity.
	UpsertDevice(ctx context.Context, d Device) error

	// ListDevices returns every recorded device ordered by id.
	ListDevices(ctx context.Context) ([]Device, error)
}
