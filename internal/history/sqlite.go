package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// timestampLayout is fixed width so string comparison orders correctly.
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// SQLiteRepository implements Repository on the switch_state_history and
// device_inventory tables.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Record inserts a state change entry.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - entry: The change to persist; Source defaults to "poll"
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) Record(ctx context.Context, entry Entry) error {
	if entry.UniqueID == "" {
		return ErrUniqueIDRequired
	}
	if entry.Source == "" {
		entry.Source = SourcePoll
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO switch_state_history
		 (unique_id, device_id, channel, is_on, available, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.UniqueID,
		entry.DeviceID,
		entry.Channel,
		boolToInt(entry.On),
		boolToInt(entry.Available),
		entry.Source,
		formatTimestamp(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns recent entries for a channel, ordered newest first.
// limit defaults to 50 and is capped at 200.
func (r *SQLiteRepository) GetHistory(ctx context.Context, uniqueID string, limit int) ([]Entry, error) {
	if uniqueID == "" {
		return nil, ErrUniqueIDRequired
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, unique_id, device_id, channel, is_on, available, source, created_at
		 FROM switch_state_history
		 WHERE unique_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		uniqueID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry     Entry
			on, avail int
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.UniqueID, &entry.DeviceID, &entry.Channel,
			&on, &avail, &entry.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		entry.On = on != 0
		entry.Available = avail != 0

		entry.CreatedAt, err = parseTimestamp(createdAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}

	return entries, nil
}

// PruneHistory deletes entries older than now-olderThan.
//
// Returns:
//   - int64: Number of rows deleted
//   - error: nil on success, otherwise the underlying database error
func (r *SQLiteRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidRetention
	}

	cutoff := formatTimestamp(r.now().Add(-olderThan))
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM switch_state_history WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return rowsAffected, nil
}

// UpsertDevice records the current identity of a configured device.
func (r *SQLiteRepository) UpsertDevice(ctx context.Context, d Device) error {
	if d.DeviceID == "" {
		return ErrDeviceIDRequired
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_inventory (device_id, address, product_id, model, channels, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET
		   address = excluded.address,
		   product_id = excluded.product_id,
		   model = excluded.model,
		   channels = excluded.channels,
		   updated_at = excluded.updated_at`,
		d.DeviceID,
		d.Address,
		nullString(d.ProductID),
		nullString(d.Model),
		d.Channels,
		formatTimestamp(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", d.DeviceID, err)
	}
	return nil
}

// ListDevices returns every recorded device ordered by id.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT device_id, address, product_id, model, channels, updated_at
		 FROM device_inventory
		 ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("querying device inventory: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var (
			d                Device
			productID, model sql.NullString
			updatedAt        string
		)
		if err := rows.Scan(&d.DeviceID, &d.Address, &productID, &model, &d.Channels, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning device inventory: %w", err)
		}
		d.ProductID = productID.String
		d.Model = model.String

		d.UpdatedAt, err = parseTimestamp(updatedAt)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device inventory: %w", err)
	}
	return devices, nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// parseTimestamp accepts the stored layout and plain RFC3339 for rows
// written by hand.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}

	ts, err := time.Parse(timestampLayout, value)
	if err == nil {
		return ts, nil
	}

	fallback, fallbackErr := time.Parse(time.RFC3339, value)
	if fallbackErr == nil {
		return fallback.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
