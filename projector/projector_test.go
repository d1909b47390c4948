package projector

import (
	"testing"

	"github.com/noetl/noetl/event"
	"github.com/noetl/noetl/value"
)

func TestExecutionStatusLifecycle(t *testing.T) {
	s := New()
	s.Apply(event.Event{Name: event.NamePlaybookExecutionRequested})
	if s.ExecutionStatus != ExecRequested {
		t.Fatalf("expected requested, got %v", s.ExecutionStatus)
	}
	s.Apply(event.Event{Name: event.NameExecutionStarted})
	if s.ExecutionStatus != ExecRunning {
		t.Fatalf("expected running, got %v", s.ExecutionStatus)
	}
	s.Apply(event.Event{Name: event.NameExecutionFinished})
	if s.ExecutionStatus != ExecFinished {
		t.Fatalf("expected finished, got %v", s.ExecutionStatus)
	}
}

func TestStepRunLifecycle(t *testing.T) {
	s := New()
	s.Apply(event.Event{Name: event.NameStepStarted, EntityID: "run-1"})
	if s.StepRuns["run-1"].Status != StepRunInProgress {
		t.Fatalf("expected in_progress")
	}
	s.Apply(event.Event{Name: event.NameStepDone, EntityID: "run-1"})
	if s.StepRuns["run-1"].Status != StepRunSuccess {
		t.Fatalf("expected success")
	}
}

func TestCtxPatchRejectOnConflict(t *testing.T) {
	s := New()
	patch1 := value.Map(map[string]value.Value{"counter": value.Int(1)})
	s.Apply(event.Event{Name: event.NameCtxPatched, EntityID: "run-A", Payload: value.Map(map[string]value.Value{"patch": patch1})})

	patch2 := value.Map(map[string]value.Value{"counter": value.Int(2)})
	s.Apply(event.Event{Name: event.NameCtxPatched, EntityID: "run-B", Payload: value.Map(map[string]value.Value{"patch": patch2})})

	if s.Ctx["counter"].Value.I != 1 {
		t.Fatalf("expected first writer to win, got %+v", s.Ctx["counter"].Value)
	}
	if len(s.RejectedPatches) != 1 {
		t.Fatalf("expected one rejected patch, got %d", len(s.RejectedPatches))
	}
	if s.RejectedPatches[0].WriterID != "run-B" {
		t.Fatalf("expected rejected patch from run-B, got %q", s.RejectedPatches[0].WriterID)
	}
}

// Sibling iterations of one parallel loop share a step_run_id but carry
// their own iteration id as the ctx.patched EntityID, so a second
// iteration touching the same key is a conflict, not a reaffirmation.
func TestCtxPatchSiblingIterationRejected(t *testing.T) {
	s := New()
	p1 := value.Map(map[string]value.Value{"winner": value.Int(0)})
	s.Apply(event.Event{Name: event.NameCtxPatched, EntityID: "run-A-iter-0", ParentID: "run-A", Payload: value.Map(map[string]value.Value{"patch": p1})})
	p2 := value.Map(map[string]value.Value{"winner": value.Int(1)})
	s.Apply(event.Event{Name: event.NameCtxPatched, EntityID: "run-A-iter-1", ParentID: "run-A", Payload: value.Map(map[string]value.Value{"patch": p2})})

	if s.Ctx["winner"].Value.I != 0 {
		t.Fatalf("expected first iteration's write to win, got %+v", s.Ctx["winner"].Value)
	}
	if len(s.RejectedPatches) != 1 || s.RejectedPatches[0].WriterID != "run-A-iter-1" {
		t.Fatalf("expected one rejection from run-A-iter-1, got %+v", s.RejectedPatches)
	}
}

func TestCtxPatchSameWriterReaffirms(t *testing.T) {
	s := New()
	p1 := value.Map(map[string]value.Value{"k": value.Int(1)})
	s.Apply(event.Event{Name: event.NameCtxPatched, EntityID: "run-A-iter-0", Payload: value.Map(map[string]value.Value{"patch": p1})})
	p2 := value.Map(map[string]value.Value{"k": value.Int(9)})
	s.Apply(event.Event{Name: event.NameCtxPatched, EntityID: "run-A-iter-0", Payload: value.Map(map[string]value.Value{"patch": p2})})

	if s.Ctx["k"].Value.I != 9 {
		t.Fatalf("expected same-writer re-patch to apply, got %+v", s.Ctx["k"].Value)
	}
	if len(s.RejectedPatches) != 0 {
		t.Fatalf("expected no rejections for same-writer patch, got %d", len(s.RejectedPatches))
	}
}

func TestResultIndexing(t *testing.T) {
	s := New()
	ev := event.Event{
		Name:        event.NameTaskDone,
		ExecutionID: "exec-1",
		EntityID:    "run-1",
		Attempt:     1,
		Payload: value.Map(map[string]value.Value{
			"step":        value.Str("fetch"),
			"task_run_id": value.Str("t1"),
			"result":      value.Str("ok-value"),
		}),
	}
	s.Apply(ev)
	key := ResultKey{ExecutionID: "exec-1", Step: "fetch", StepRunID: "run-1", TaskRunID: "t1", Attempt: 1}
	if s.ResultIndex[key].S != "ok-value" {
		t.Fatalf("expected indexed result, got %+v", s.ResultIndex[key])
	}
}
