package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/noetl/noetl/bus"
	"github.com/noetl/noetl/emit"
	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/event"
	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/projector"
	"github.com/noetl/noetl/store"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/tool"
	"github.com/noetl/noetl/value"
)

// noopDriver always succeeds with a fixed result, regardless of args.
type noopDriver struct{}

func (noopDriver) Execute(ctx context.Context, cfg map[string]interface{}, scope value.Value) (outcome.Outcome, error) {
	return outcome.Ok(value.Int(1), outcome.Meta{}), nil
}

func newTestOrchestrator(t *testing.T, registry *tool.Registry) (*Orchestrator, *emit.BufferedEmitter) {
	t.Helper()
	buffered := emit.NewBufferedEmitter()
	log := store.NewMemoryLog()
	o := New(bus.NewMemoryBus(bus.DefaultOptions()), event.NewIngestor(log), registry, template.Default, nil, engine.DefaultOptions(), buffered)
	return o, buffered
}

// runToCompletion starts workers, starts the execution, and blocks for
// completion or the test timeout.
func runToCompletion(t *testing.T, o *Orchestrator, pb *playbook.Playbook, workers int) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go o.ServeWorkers(ctx, workers)

	executionID, err := o.Start(ctx, Request{Playbook: pb})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := o.Wait(ctx, executionID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return executionID
}

// TestOrchestratorSequence: A -> B, A sets ctx.x=1,
// both steps run a noop task, execution reaches finished.
func TestOrchestratorSequence(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("noop", noopDriver{})

	pb := &playbook.Playbook{
		Workflow: []playbook.Step{
			{
				Step: "A",
				Tool: []playbook.Task{{Label: "setx", Kind: "noop",
					Spec: playbook.TaskSpec{Policy: playbook.TaskPolicy{Rules: []playbook.PolicyRule{
						{Then: playbook.PolicyThen{Do: "continue", SetCtx: map[string]string{"x": "1"}}},
					}}}}},
				Next: &playbook.Next{Arcs: []playbook.Arc{{Step: "B"}}},
			},
			{
				Step: "B",
				Tool: []playbook.Task{{Label: "checkx", Kind: "noop"}},
			},
		},
	}

	o, buffered := newTestOrchestrator(t, registry)
	executionID := runToCompletion(t, o, pb, 1)

	st, ok := o.State(executionID)
	if !ok {
		t.Fatalf("expected execution state to exist")
	}
	if st.ExecutionStatus != projector.ExecFinished {
		t.Fatalf("expected execution status finished, got %v", st.ExecutionStatus)
	}
	if st.CtxValue().Get("x").I != 1 {
		t.Fatalf("expected ctx.x=1, got %+v", st.CtxValue().Get("x"))
	}

	history := buffered.History(executionID)
	if len(history) == 0 {
		t.Fatalf("expected events to reach the Emitter in addition to the Event Log")
	}
	sawFinished := false
	for _, ev := range history {
		if ev.Name == event.NameExecutionFinished {
			sawFinished = true
		}
	}
	if !sawFinished {
		t.Fatalf("expected execution.finished among emitted events")
	}
}

// TestOrchestratorExclusiveRouting: a `decide` step
// sets ctx.priority="high" and routes exclusively; only the `hot` arc's
// `when` is truthy, so exactly that arc fires.
func TestOrchestratorExclusiveRouting(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("noop", noopDriver{})

	pb := &playbook.Playbook{
		Workflow: []playbook.Step{
			{
				Step: "decide",
				Tool: []playbook.Task{{Label: "setpriority", Kind: "noop",
					Spec: playbook.TaskSpec{Policy: playbook.TaskPolicy{Rules: []playbook.PolicyRule{
						{Then: playbook.PolicyThen{Do: "continue", SetCtx: map[string]string{"priority": "\"high\""}}},
					}}}}},
				Next: &playbook.Next{Arcs: []playbook.Arc{
					{Step: "hot", When: `ctx.priority == "high"`},
					{Step: "cold", When: `ctx.priority == "low"`},
					{Step: "default"},
				}},
			},
			{Step: "hot", Tool: []playbook.Task{{Label: "noop", Kind: "noop"}}},
			{Step: "cold", Tool: []playbook.Task{{Label: "noop", Kind: "noop"}}},
			{Step: "default", Tool: []playbook.Task{{Label: "noop", Kind: "noop"}}},
		},
	}

	o, buffered := newTestOrchestrator(t, registry)
	executionID := runToCompletion(t, o, pb, 1)

	history := buffered.History(executionID)
	ran := map[string]int{}
	for _, ev := range history {
		if ev.Name == event.NameStepDone {
			ran[ev.Payload.Get("step").S]++
		}
	}
	if ran["hot"] != 1 {
		t.Fatalf("expected hot to run exactly once, got %d", ran["hot"])
	}
	if ran["cold"] != 0 || ran["default"] != 0 {
		t.Fatalf("expected cold/default not to run, got cold=%d default=%d", ran["cold"], ran["default"])
	}
}

// TestOrchestratorInclusiveJoin: `fork` fans out
// inclusively to A and B, each setting its own ctx.*_done flag and
// routing to `join`; `join`'s admission policy only allows once both
// flags are set, so join is admitted exactly once despite two arrivals.
func TestOrchestratorInclusiveJoin(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("noop", noopDriver{})

	pb := &playbook.Playbook{
		Workflow: []playbook.Step{
			{
				Step: "fork",
				Tool: []playbook.Task{{Label: "noop", Kind: "noop"}},
				Next: &playbook.Next{
					Spec: playbook.NextSpec{Mode: playbook.ModeInclusive},
					Arcs: []playbook.Arc{{Step: "A"}, {Step: "B"}},
				},
			},
			{
				Step: "A",
				Tool: []playbook.Task{{Label: "noop", Kind: "noop",
					Spec: playbook.TaskSpec{Policy: playbook.TaskPolicy{Rules: []playbook.PolicyRule{
						{Then: playbook.PolicyThen{Do: "continue", SetCtx: map[string]string{"A_done": "true"}}},
					}}}}},
				Next: &playbook.Next{Arcs: []playbook.Arc{{Step: "join"}}},
			},
			{
				Step: "B",
				Tool: []playbook.Task{{Label: "noop", Kind: "noop",
					Spec: playbook.TaskSpec{Policy: playbook.TaskPolicy{Rules: []playbook.PolicyRule{
						{Then: playbook.PolicyThen{Do: "continue", SetCtx: map[string]string{"B_done": "true"}}},
					}}}}},
				Next: &playbook.Next{Arcs: []playbook.Arc{{Step: "join"}}},
			},
			{
				Step: "join",
				Spec: playbook.StepSpec{Policy: playbook.AdmitPolicy{Admit: playbook.AdmitRules{Rules: []playbook.AdmitRule{
					{When: "ctx.A_done and ctx.B_done", Then: playbook.AdmitThen{Do: "allow"}},
					{Then: playbook.AdmitThen{Do: "deny"}},
				}}}},
				Tool: []playbook.Task{{Label: "noop", Kind: "noop"}},
			},
		},
	}

	// A single worker serializes command processing so the join's
	// admission check observes each predecessor's ctx patch in turn,
	// so join is admitted exactly once.
	o, buffered := newTestOrchestrator(t, registry)
	executionID := runToCompletion(t, o, pb, 1)

	history := buffered.History(executionID)
	joinRuns, denied := 0, 0
	for _, ev := range history {
		switch ev.Name {
		case event.NameStepDone:
			if ev.Payload.Get("step").S == "join" {
				joinRuns++
			}
		case event.NameAdmissionDenied:
			if ev.EntityID == "join" {
				denied++
			}
		}
	}
	if joinRuns != 1 {
		t.Fatalf("expected join to run exactly once, got %d", joinRuns)
	}
	if denied != 1 {
		t.Fatalf("expected join's admission to be denied once (for the first arriving predecessor), got %d", denied)
	}

	st, _ := o.State(executionID)
	if st.ExecutionStatus != projector.ExecFinished {
		t.Fatalf("expected execution status finished, got %v", st.ExecutionStatus)
	}
}

// TestOrchestratorDistributedLoop covers loop.spec.policy.exec:
// distributed — per-iteration commands travel over the Bus, any worker
// may pick them up, and the loop's summary is aggregated control-plane
// side before the step completes.
func TestOrchestratorDistributedLoop(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("noop", noopDriver{})

	pb := &playbook.Playbook{
		Workflow: []playbook.Step{
			{
				Step: "fanout",
				Loop: &playbook.Loop{
					In: "[1,2,3]", Iterator: "n",
					Spec: playbook.LoopSpec{Policy: playbook.LoopExecPolicy{Exec: playbook.ExecDistributed}},
				},
				Tool: []playbook.Task{{Label: "work", Kind: "noop"}},
			},
		},
	}

	o, buffered := newTestOrchestrator(t, registry)
	executionID := runToCompletion(t, o, pb, 3)

	history := buffered.History(executionID)
	var iterationsDone, loopDone, stepDone int
	for _, ev := range history {
		switch ev.Name {
		case event.NameLoopIterationDone:
			iterationsDone++
		case event.NameLoopDone:
			loopDone++
			if ev.Payload.Get("ok").I != 3 || ev.Payload.Get("failed").I != 0 {
				t.Fatalf("expected loop.done {ok:3,failed:0}, got %+v", ev.Payload)
			}
		case event.NameStepDone:
			stepDone++
		}
	}
	if iterationsDone != 3 {
		t.Fatalf("expected 3 iterations done, got %d", iterationsDone)
	}
	if loopDone != 1 || stepDone != 1 {
		t.Fatalf("expected one loop.done and one step.done, got loop=%d step=%d", loopDone, stepDone)
	}

	st, _ := o.State(executionID)
	if st.ExecutionStatus != projector.ExecFinished {
		t.Fatalf("expected execution finished, got %v", st.ExecutionStatus)
	}
}

// TestOrchestratorParallelSetCtxConflictObservable: two sibling
// iterations losing the set_ctx race must surface as ctx.patch.rejected
// events on the event stream, not just as projector-internal state.
func TestOrchestratorParallelSetCtxConflictObservable(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("noop", noopDriver{})

	pb := &playbook.Playbook{
		Workflow: []playbook.Step{
			{
				Step: "race",
				Loop: &playbook.Loop{
					In: "[0,1,2]", Iterator: "n",
					Spec: playbook.LoopSpec{Mode: playbook.ModeParallel, MaxInFlight: 3},
				},
				Tool: []playbook.Task{{Label: "w", Kind: "noop",
					Spec: playbook.TaskSpec{Policy: playbook.TaskPolicy{Rules: []playbook.PolicyRule{
						{Then: playbook.PolicyThen{Do: "continue", SetCtx: map[string]string{"winner": "iter.index"}}},
					}}}}},
			},
		},
	}

	o, buffered := newTestOrchestrator(t, registry)
	executionID := runToCompletion(t, o, pb, 1)

	rejectedEvents := 0
	for _, ev := range buffered.History(executionID) {
		if ev.Name == event.NameCtxPatchRejected {
			rejectedEvents++
			if ev.Payload.Get("key").S != "winner" || ev.Payload.Get("writer").S == "" {
				t.Fatalf("rejection event missing key/writer payload: %+v", ev.Payload)
			}
		}
	}
	if rejectedEvents != 2 {
		t.Fatalf("expected 2 ctx.patch.rejected events on the stream, got %d", rejectedEvents)
	}

	st, _ := o.State(executionID)
	if got := st.CtxValue().Get("winner"); got.I != 0 {
		t.Fatalf("expected the first iteration's write to win, got %+v", got)
	}
	if len(st.RejectedPatches) != 2 {
		t.Fatalf("expected 2 rejected patches in projected state, got %d", len(st.RejectedPatches))
	}
}
