// Package store provides a SQLite archive of recorded sessions.
//
// The archive is append-only:
//   - Logs: one row per recorded log, keyed by content hash
//   - Events: the log's events, one row each, for per-tick queries
//   - Snapshots: labelled snapshot documents
//
// # Ordering
//
// Every query orders by seq (and position within a log), never by wall
// time, so reading an archive is deterministic.
//
// # Idempotency
//
// Saving a log whose hash is already archived returns the existing row.
// Saving the same snapshot under the same label is a no-op.
//
// # Schema
//
// schema.sql describes the current layout. Archives from older builds are
// upgraded by the migrations list in store.go, tracked with PRAGMA
// user_version.
//
// Documents are stored as canonical JSON, the same bytes the eventlog codec
// exports, so a loaded log passes the same validation as an imported file.
package store
