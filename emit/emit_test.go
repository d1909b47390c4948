package emit

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/noetl/noetl/event"
)

func TestLogEmitterTextMode(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)
	e.Emit(event.Event{Name: event.NameStepDone, ExecutionID: "exec-1", EntityID: "run-1", Status: event.StatusDone})
	out := buf.String()
	if !strings.Contains(out, "step.done") || !strings.Contains(out, "exec-1") {
		t.Fatalf("unexpected text output: %q", out)
	}
}

func TestLogEmitterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)
	e.Emit(event.Event{Name: event.NameTaskDone, ExecutionID: "exec-2"})
	if !strings.Contains(buf.String(), `"execution_id":"exec-2"`) {
		t.Fatalf("expected JSON containing execution_id, got %q", buf.String())
	}
}

func TestBufferedEmitterHistoryAndFilter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(event.Event{Name: event.NameStepStarted, ExecutionID: "e1", EntityID: "r1", Seq: 1})
	b.Emit(event.Event{Name: event.NameStepDone, ExecutionID: "e1", EntityID: "r1", Seq: 2})
	b.Emit(event.Event{Name: event.NameStepStarted, ExecutionID: "e2", EntityID: "r2", Seq: 1})

	hist := b.History("e1")
	if len(hist) != 2 {
		t.Fatalf("expected 2 events for e1, got %d", len(hist))
	}

	filtered := b.HistoryWithFilter("e1", HistoryFilter{Name: event.NameStepDone})
	if len(filtered) != 1 {
		t.Fatalf("expected 1 filtered event, got %d", len(filtered))
	}

	b.Clear("e1")
	if len(b.History("e1")) != 0 {
		t.Fatalf("expected history cleared")
	}
}

func TestMultiEmitterFansOut(t *testing.T) {
	var a, c bytes.Buffer
	m := Multi{NewLogEmitter(&a, false), NewLogEmitter(&c, false)}
	m.Emit(event.Event{Name: event.NameTaskStarted, ExecutionID: "x"})
	if a.Len() == 0 || c.Len() == 0 {
		t.Fatalf("expected both emitters to receive the event")
	}
	if err := m.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestNullEmitterDiscards(t *testing.T) {
	var n NullEmitter
	n.Emit(event.Event{Name: event.NameStepDone})
	if err := n.EmitBatch(context.Background(), []event.Event{{}}); err != nil {
		t.Fatalf("emitbatch: %v", err)
	}
	if err := n.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
