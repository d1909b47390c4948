package event

import (
	"context"
	"sync"
	"testing"
)

type fakeLog struct {
	mu      sync.Mutex
	seqs    map[string]int64
	applied map[Key]Event
	order   []Event
}

func newFakeLog() *fakeLog {
	return &fakeLog{seqs: map[string]int64{}, applied: map[Key]Event{}}
}

func (f *fakeLog) NextSeq(ctx context.Context, executionID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqs[executionID]++
	return f.seqs[executionID], nil
}

func (f *fakeLog) Append(ctx context.Context, ev Event) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.applied[ev.Key()]; ok {
		return false, nil
	}
	f.applied[ev.Key()] = ev
	f.order = append(f.order, ev)
	return true, nil
}

func TestIngestorAssignsMonotonicSeq(t *testing.T) {
	log := newFakeLog()
	ig := NewIngestor(log)

	events := []Event{
		{EventID: "e1", ExecutionID: "x1", Name: NameStepStarted},
		{EventID: "e2", ExecutionID: "x1", Name: NameStepDone},
	}
	committed, err := ig.Append(context.Background(), events)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(committed) != 2 {
		t.Fatalf("expected 2 committed, got %d", len(committed))
	}
	if committed[0].Seq != 1 || committed[1].Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", committed[0].Seq, committed[1].Seq)
	}
}

func TestIngestorDedupesByIdempotencyKey(t *testing.T) {
	log := newFakeLog()
	ig := NewIngestor(log)

	ev := Event{EventID: "dup", ExecutionID: "x1", Name: NameTaskDone}
	if _, err := ig.Append(context.Background(), []Event{ev}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	committed, err := ig.Append(context.Background(), []Event{ev})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if len(committed) != 0 {
		t.Fatalf("expected duplicate to be skipped, got %d committed", len(committed))
	}
	if len(log.order) != 1 {
		t.Fatalf("expected log to contain exactly one event, got %d", len(log.order))
	}
}
