// Package history keeps a local audit trail of channel state changes and
// the last known identity of every configured device.
//
// Rows are written by the bridge's notification dispatch and are never read
// back to seed state at startup. A cron-scheduled Pruner deletes entries
// older than the configured retention.
//
// All timestamps are stored as fixed-width UTC strings so that lexical
// ordering in SQLite matches chronological ordering.
package history
