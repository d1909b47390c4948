package emit

import (
	"context"
	"sync"

	"github.com/noetl/noetl/event"
)

// BufferedEmitter stores events in memory, keyed by execution_id, and
// provides query capabilities: it keeps a process-local copy of the
// events that flow through an Emitter, queryable without a store round
// trip. The Orchestration API's `GET /executions/{id}/events` endpoint
// does not read from it; that endpoint reads the durable Event Log.
//
// Warning: stores all events in memory for the lifetime of the process.
// Callers should Clear finished executions they no longer need to serve.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]event.Event // execution_id -> events, append order
}

// NewBufferedEmitter creates an empty BufferedEmitter. Safe for
// concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]event.Event)}
}

func (b *BufferedEmitter) Emit(ev event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[ev.ExecutionID] = append(b.events[ev.ExecutionID], ev)
}

func (b *BufferedEmitter) EmitBatch(_ context.Context, events []event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		b.events[ev.ExecutionID] = append(b.events[ev.ExecutionID], ev)
	}
	return nil
}

// Flush is a no-op: BufferedEmitter's buffer is the store itself, there
// is nothing further to deliver.
func (b *BufferedEmitter) Flush(_ context.Context) error { return nil }

// History returns every buffered event for executionID, in emit order.
func (b *BufferedEmitter) History(executionID string) []event.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]event.Event, len(b.events[executionID]))
	copy(out, b.events[executionID])
	return out
}

// HistoryFilter narrows History results. All fields are optional and
// combined with AND logic.
type HistoryFilter struct {
	Name       string
	EntityID   string
	MinSeq     *int64
	MaxSeq     *int64
}

// HistoryWithFilter returns buffered events for executionID matching f.
func (b *BufferedEmitter) HistoryWithFilter(executionID string, f HistoryFilter) []event.Event {
	var out []event.Event
	for _, ev := range b.History(executionID) {
		if f.Name != "" && ev.Name != f.Name {
			continue
		}
		if f.EntityID != "" && ev.EntityID != f.EntityID {
			continue
		}
		if f.MinSeq != nil && ev.Seq < *f.MinSeq {
			continue
		}
		if f.MaxSeq != nil && ev.Seq > *f.MaxSeq {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear discards every buffered event for executionID.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, executionID)
}
