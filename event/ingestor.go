package event

import (
	"context"
	"fmt"
	"sync"
)

// Log is the minimal durable-append capability the Ingestor needs from a
// store implementation (store.MemoryLog/SQLiteLog/MySQLLog all satisfy
// this). Keeping the interface here, rather than importing the store
// package, avoids an import cycle: store depends on event, not the
// reverse.
type Log interface {
	// Append persists ev at seq (already assigned) unless (ExecutionID,
	// EventID) was seen before, in which case it must be a no-op that
	// returns (false, nil).
	Append(ctx context.Context, ev Event) (committed bool, err error)
	// NextSeq returns the next monotonic sequence number to assign for
	// executionID, starting at 1.
	NextSeq(ctx context.Context, executionID string) (int64, error)
}

// Ingestor appends worker/server events to a Log: idempotent by
// (execution_id, event_id), with ordering within an execution preserved
// by a monotonic seq assigned on append.
type Ingestor struct {
	log Log

	mu   sync.Mutex
	seen map[Key]bool
}

// NewIngestor constructs an Ingestor backed by log.
func NewIngestor(log Log) *Ingestor {
	return &Ingestor{log: log, seen: map[Key]bool{}}
}

// Append ingests a batch of events, assigning each a monotonic seq within
// its execution_id and skipping any whose idempotency key was already
// committed. It returns the subset that were newly committed, in the
// order they were committed.
func (ig *Ingestor) Append(ctx context.Context, events []Event) ([]Event, error) {
	committed := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev.EventID == "" || ev.ExecutionID == "" {
			return committed, fmt.Errorf("event: missing event_id/execution_id")
		}

		ig.mu.Lock()
		alreadySeen := ig.seen[ev.Key()]
		ig.mu.Unlock()
		if alreadySeen {
			continue
		}

		seq, err := ig.log.NextSeq(ctx, ev.ExecutionID)
		if err != nil {
			return committed, fmt.Errorf("event: next seq: %w", err)
		}
		ev.Seq = seq

		ok, err := ig.log.Append(ctx, ev)
		if err != nil {
			return committed, fmt.Errorf("event: append: %w", err)
		}
		if !ok {
			// Log-level dedup caught a race the in-memory seen-set
			// missed (concurrent ingestors); treat as already applied.
			continue
		}

		ig.mu.Lock()
		ig.seen[ev.Key()] = true
		ig.mu.Unlock()

		committed = append(committed, ev)
	}
	return committed, nil
}
