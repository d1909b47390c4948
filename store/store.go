// Package store provides durable Event Log implementations satisfying
// event.Log: append-only persistence with a unique index on
// (execution_id, event_id) and a monotonic per-execution seq. Three
// implementations: MemoryLog for tests and single-process runs,
// SQLiteLog for zero-setup durability, MySQLLog for multi-worker
// production deployments.
package store

import (
	"errors"
)

// ErrNotFound is returned when a requested execution/event does not exist.
var ErrNotFound = errors.New("store: not found")
