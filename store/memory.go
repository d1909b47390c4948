package store

import (
	"context"
	"sync"

	"github.com/noetl/noetl/event"
)

// MemoryLog is an in-memory event.Log: an ordered event list per
// execution plus a dedup set, guarded by one mutex.
//
// Thread-safe. Not durable across process restarts; for tests and
// single-process deployments.
type MemoryLog struct {
	mu      sync.Mutex
	byExec  map[string][]event.Event
	seqNext map[string]int64
	seen    map[event.Key]bool
}

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		byExec:  map[string][]event.Event{},
		seqNext: map[string]int64{},
		seen:    map[event.Key]bool{},
	}
}

// NextSeq returns the next monotonic sequence number for executionID,
// starting at 1.
func (m *MemoryLog) NextSeq(_ context.Context, executionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.seqNext[executionID] + 1
	m.seqNext[executionID] = next
	return next, nil
}

// Append persists ev unless its (execution_id, event_id) was already
// committed, in which case it is a no-op returning (false, nil) per the
// event.Log contract.
func (m *MemoryLog) Append(_ context.Context, ev event.Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ev.Key()
	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	m.byExec[ev.ExecutionID] = append(m.byExec[ev.ExecutionID], ev)
	return true, nil
}

// Events returns the full, seq-ordered event stream for executionID
// (events are always appended in seq order, so no sort is needed),
// optionally filtered by eventType/stepRunID/fromSeq/limit the way
// GET /executions/{id}/events needs.
func (m *MemoryLog) Events(_ context.Context, executionID string, filter Filter) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.byExec[executionID]
	out := make([]event.Event, 0, len(all))
	for _, ev := range all {
		if !filter.Match(ev) {
			continue
		}
		out = append(out, ev)
	}
	return filter.Apply(out), nil
}

// Filter narrows GET /executions/{id}/events results by its query
// params: event_type, step_run_id, from_seq, limit.
type Filter struct {
	EventType string
	StepRunID string
	FromSeq   int64
	Limit     int
}

// Match reports whether ev satisfies f's non-zero fields.
func (f Filter) Match(ev event.Event) bool {
	if f.EventType != "" && ev.Name != f.EventType {
		return false
	}
	if f.StepRunID != "" && ev.ParentID != f.StepRunID && ev.EntityID != f.StepRunID {
		return false
	}
	if f.FromSeq > 0 && ev.Seq < f.FromSeq {
		return false
	}
	return true
}

// Apply applies f.Limit to an already-filtered, seq-ordered slice.
func (f Filter) Apply(events []event.Event) []event.Event {
	if f.Limit > 0 && len(events) > f.Limit {
		return events[:f.Limit]
	}
	return events
}
