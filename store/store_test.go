package store

import (
	"context"
	"testing"
	"time"

	"github.com/noetl/noetl/event"
	"github.com/noetl/noetl/value"
)

func mkEvent(execID, eventID string, seq int64) event.Event {
	return event.Event{
		EventID:     eventID,
		ExecutionID: execID,
		Seq:         seq,
		Timestamp:   time.Now(),
		Source:      event.SourceServer,
		Name:        event.NameStepStarted,
		EntityType:  "step_run",
		EntityID:    "sr-1",
		Status:      event.StatusRunning,
		Payload:     value.Map(map[string]value.Value{"x": value.Int(1)}),
	}
}

func TestMemoryLogIdempotentAppend(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	seq, err := log.NextSeq(ctx, "exec-1")
	if err != nil || seq != 1 {
		t.Fatalf("NextSeq = %d, %v; want 1, nil", seq, err)
	}

	ev := mkEvent("exec-1", "ev-1", seq)
	committed, err := log.Append(ctx, ev)
	if err != nil || !committed {
		t.Fatalf("first append: committed=%v err=%v", committed, err)
	}

	// Redelivery of the same event_id must be a silent no-op.
	committed, err = log.Append(ctx, ev)
	if err != nil || committed {
		t.Fatalf("duplicate append: committed=%v err=%v, want false, nil", committed, err)
	}

	events, err := log.Events(ctx, "exec-1", Filter{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
}

func TestMemoryLogSeqMonotonicPerExecution(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		seq, err := log.NextSeq(ctx, "exec-1")
		if err != nil || seq != int64(i) {
			t.Fatalf("NextSeq iter %d = %d, %v; want %d, nil", i, seq, err, i)
		}
	}

	// A different execution_id starts its own sequence at 1.
	seq, err := log.NextSeq(ctx, "exec-2")
	if err != nil || seq != 1 {
		t.Fatalf("NextSeq(exec-2) = %d, %v; want 1, nil", seq, err)
	}
}

func TestFilterMatch(t *testing.T) {
	ev := mkEvent("exec-1", "ev-1", 5)
	ev.ParentID = "sr-parent"

	if !(Filter{}.Match(ev)) {
		t.Fatal("empty filter should match everything")
	}
	if !(Filter{EventType: event.NameStepStarted}).Match(ev) {
		t.Fatal("event type filter should match")
	}
	if (Filter{EventType: event.NameStepDone}).Match(ev) {
		t.Fatal("event type filter should not match a different name")
	}
	if !(Filter{StepRunID: "sr-parent"}).Match(ev) {
		t.Fatal("step_run_id filter should match parent_id")
	}
	if !(Filter{FromSeq: 5}).Match(ev) {
		t.Fatal("from_seq filter should match seq == from_seq")
	}
	if (Filter{FromSeq: 6}).Match(ev) {
		t.Fatal("from_seq filter should exclude lower seq")
	}
}

func TestSQLiteLogIdempotentAppend(t *testing.T) {
	log, err := NewSQLiteLog(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteLog: %v", err)
	}
	defer log.Close()
	ctx := context.Background()

	seq, err := log.NextSeq(ctx, "exec-1")
	if err != nil || seq != 1 {
		t.Fatalf("NextSeq = %d, %v; want 1, nil", seq, err)
	}

	ev := mkEvent("exec-1", "ev-1", seq)
	committed, err := log.Append(ctx, ev)
	if err != nil || !committed {
		t.Fatalf("first append: committed=%v err=%v", committed, err)
	}

	committed, err = log.Append(ctx, ev)
	if err != nil || committed {
		t.Fatalf("duplicate append: committed=%v err=%v, want false, nil", committed, err)
	}

	events, err := log.Events(ctx, "exec-1", Filter{})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].EntityID != "sr-1" {
		t.Fatalf("EntityID = %q, want sr-1", events[0].EntityID)
	}
}
