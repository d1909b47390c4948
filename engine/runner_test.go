package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/projector"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/tool"
	"github.com/noetl/noetl/value"
)

// concurrencyTrackingDriver checks the bounded-concurrency invariant: at no point
// are more than max_in_flight iterations in progress. It records the
// peak number of concurrently-executing Execute calls.
type concurrencyTrackingDriver struct {
	inFlight int32
	peak     int32
	delay    time.Duration
}

func (d *concurrencyTrackingDriver) Execute(ctx context.Context, cfg map[string]interface{}, scope value.Value) (outcome.Outcome, error) {
	n := atomic.AddInt32(&d.inFlight, 1)
	for {
		peak := atomic.LoadInt32(&d.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&d.peak, peak, n) {
			break
		}
	}
	time.Sleep(d.delay)
	atomic.AddInt32(&d.inFlight, -1)
	return outcome.Ok(value.Int(1), outcome.Meta{}), nil
}

// TestRunStepParallelLoopBoundedConcurrency: 10
// items, mode parallel, max_in_flight 3. Expected: peak in-flight <= 3,
// all 10 iterations terminal ok, loop.done carries {ok:10, failed:0}.
func TestRunStepParallelLoopBoundedConcurrency(t *testing.T) {
	driver := &concurrencyTrackingDriver{delay: 5 * time.Millisecond}
	registry := tool.NewRegistry()
	registry.Register("work", driver)

	step := playbook.Step{
		Step: "fanout",
		Loop: &playbook.Loop{
			In: "[0,1,2,3,4,5,6,7,8,9]", Iterator: "item",
			Spec: playbook.LoopSpec{Mode: playbook.ModeParallel, MaxInFlight: 3},
		},
		Tool: []playbook.Task{{Label: "t1", Kind: "work"}},
	}

	out, err := RunStep(context.Background(), StepRunInput{
		ExecutionID: "exec-1", StepRunID: "run-fanout", Step: step,
		Workload: value.Map(nil), Ctx: value.Map(nil), Args: value.Map(nil),
		Registry: registry, Eval: template.Default, Options: DefaultOptions(),
	})
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if out.Status != StepRunOK {
		t.Fatalf("expected step success, got %v", out.Status)
	}
	if out.LoopSummary == nil || out.LoopSummary.Success != 10 || out.LoopSummary.Failure != 0 {
		t.Fatalf("expected summary {10,0}, got %+v", out.LoopSummary)
	}
	if peak := atomic.LoadInt32(&driver.peak); peak > 3 {
		t.Fatalf("peak concurrency %d exceeds max_in_flight 3", peak)
	}
}

// TestRunStepSequentialLoopFailFast covers the default fail-fast
// policy: the first iteration failure stops further iterations and the
// step run fails.
func TestRunStepSequentialLoopFailFast(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("flaky", &fakeDriver{outcomes: []outcome.Outcome{
		outcome.Ok(value.Int(1), outcome.Meta{}),
		{Status: outcome.StatusError, Error: &outcome.Error{Message: "boom"}, Meta: outcome.Meta{}},
		outcome.Ok(value.Int(1), outcome.Meta{}),
	}})

	step := playbook.Step{
		Step: "seq",
		Loop: &playbook.Loop{In: "[1,2,3]", Iterator: "n", Spec: playbook.LoopSpec{Mode: playbook.ModeSequential}},
		Tool: []playbook.Task{{Label: "t1", Kind: "flaky"}},
	}

	out, err := RunStep(context.Background(), StepRunInput{
		ExecutionID: "exec-1", StepRunID: "run-seq", Step: step,
		Workload: value.Map(nil), Ctx: value.Map(nil), Args: value.Map(nil),
		Registry: registry, Eval: template.Default, Options: DefaultOptions(),
	})
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if out.Status != StepRunFailed {
		t.Fatalf("expected step failure (fail-fast), got %v", out.Status)
	}
	if out.LoopSummary.Total != 2 {
		t.Fatalf("expected 2 iterations to run before fail-fast stop, got %d", out.LoopSummary.Total)
	}
}

// TestRunStepSequentialLoopBestEffort covers the opt-in best-effort
// mode: every iteration runs to completion even
// after an earlier failure, and the step succeeds overall (best-effort
// collects failures rather than propagating them as step failure).
func TestRunStepSequentialLoopBestEffort(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("flaky", &fakeDriver{outcomes: []outcome.Outcome{
		outcome.Ok(value.Int(1), outcome.Meta{}),
		{Status: outcome.StatusError, Error: &outcome.Error{Message: "boom"}, Meta: outcome.Meta{}},
		outcome.Ok(value.Int(1), outcome.Meta{}),
	}})

	step := playbook.Step{
		Step: "seq",
		Loop: &playbook.Loop{In: "[1,2,3]", Iterator: "n", Spec: playbook.LoopSpec{
			Mode: playbook.ModeSequential, Policy: playbook.LoopExecPolicy{BestEffort: true},
		}},
		Tool: []playbook.Task{{Label: "t1", Kind: "flaky"}},
	}

	out, err := RunStep(context.Background(), StepRunInput{
		ExecutionID: "exec-1", StepRunID: "run-seq-be", Step: step,
		Workload: value.Map(nil), Ctx: value.Map(nil), Args: value.Map(nil),
		Registry: registry, Eval: template.Default, Options: DefaultOptions(),
	})
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if out.LoopSummary.Total != 3 {
		t.Fatalf("expected all 3 iterations to run under best_effort, got %d", out.LoopSummary.Total)
	}
	if out.LoopSummary.Success != 2 || out.LoopSummary.Failure != 1 {
		t.Fatalf("expected {2 success, 1 failure}, got %+v", out.LoopSummary)
	}
	if out.Status != StepRunOK {
		t.Fatalf("expected best-effort step to still report success overall, got %v", out.Status)
	}
}

// TestRunStepNoLoopWrapsSinglePipeline exercises the no-loop path:
// RunStep should behave exactly like a bare RunPipeline call wrapped in
// step.started/step.done events.
func TestRunStepNoLoopWrapsSinglePipeline(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("noop", &fakeDriver{outcomes: []outcome.Outcome{outcome.Ok(value.Int(1), outcome.Meta{})}})

	step := playbook.Step{
		Step: "A",
		Tool: []playbook.Task{{Label: "t1", Kind: "noop"}},
	}

	out, err := RunStep(context.Background(), StepRunInput{
		ExecutionID: "exec-1", StepRunID: "run-A", Step: step,
		Workload: value.Map(nil), Ctx: value.Map(nil), Args: value.Map(nil),
		Registry: registry, Eval: template.Default, Options: DefaultOptions(),
	})
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if out.Status != StepRunOK {
		t.Fatalf("expected success, got %v", out.Status)
	}
	if out.LoopSummary != nil {
		t.Fatalf("no-loop step should not produce a LoopSummary")
	}
	if len(out.Events) < 2 {
		t.Fatalf("expected at least step.started + step.done events, got %d", len(out.Events))
	}
	if out.Events[0].Name != "step.started" || out.Events[len(out.Events)-1].Name != "step.done" {
		t.Fatalf("expected step.started first and step.done last, got %q..%q", out.Events[0].Name, out.Events[len(out.Events)-1].Name)
	}
}


// TestRunStepParallelLoopSetCtxRejectOnConflict: a set_ctx patch inside
// a parallel loop carries its iteration's identity, so only the first
// iteration's write lands in ctx and every sibling iteration's write to
// the same key is rejected by the projector's conflict rule.
func TestRunStepParallelLoopSetCtxRejectOnConflict(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("work", &concurrencyTrackingDriver{})

	step := playbook.Step{
		Step: "fanout",
		Loop: &playbook.Loop{
			In: "[0,1,2]", Iterator: "n",
			Spec: playbook.LoopSpec{Mode: playbook.ModeParallel, MaxInFlight: 3},
		},
		Tool: []playbook.Task{{Label: "t1", Kind: "work",
			Spec: playbook.TaskSpec{Policy: playbook.TaskPolicy{Rules: []playbook.PolicyRule{
				{Then: playbook.PolicyThen{Do: "continue", SetCtx: map[string]string{"winner": "iter.index"}}},
			}}}}},
	}

	out, err := RunStep(context.Background(), StepRunInput{
		ExecutionID: "exec-1", StepRunID: "run-fanout", Step: step,
		Workload: value.Map(nil), Ctx: value.Map(nil), Args: value.Map(nil),
		Registry: registry, Eval: template.Default, Options: DefaultOptions(),
	})
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if out.Status != StepRunOK {
		t.Fatalf("expected step success, got %v", out.Status)
	}

	proj := projector.New()
	for _, ev := range out.Events {
		proj.Apply(ev)
	}

	if got := proj.CtxValue().Get("winner"); got.I != 0 {
		t.Fatalf("expected the first iteration's write to win, got %+v", got)
	}
	if len(proj.RejectedPatches) != 2 {
		t.Fatalf("expected 2 sibling patches rejected, got %d", len(proj.RejectedPatches))
	}
	for _, r := range proj.RejectedPatches {
		if r.Key != "winner" || r.WriterID == "" || r.WriterID == "run-fanout" {
			t.Fatalf("rejection should name the sibling iteration writer, got %+v", r)
		}
	}
}
