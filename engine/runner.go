// Step Runner and Iteration Runner: the Data Plane component that
// either instantiates a single Pipeline Runner (no loop) or fans a
// step's pipeline out over a loop's evaluated sequence — sequentially,
// or through a Frontier bounded to max_in_flight workers.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/noetl/noetl/event"
	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/tool"
	"github.com/noetl/noetl/value"
)

// StepRunStatus is a completed Step Runner invocation's terminal
// disposition, mirroring PipelineStatus at step granularity.
type StepRunStatus string

const (
	StepRunOK     StepRunStatus = "success"
	StepRunFailed StepRunStatus = "failure"
)

// StepRunInput is everything the Step Runner needs to run one admitted
// step-run to completion.
type StepRunInput struct {
	ExecutionID string
	StepRunID   string
	Step        playbook.Step
	Workload    value.Value
	Ctx         value.Value
	// Args is the token payload the firing arc (or execution start)
	// delivered to this step; Keychain is the execution's read-only
	// resolved credential map.
	Args     value.Value
	Keychain value.Value
	Registry *tool.Registry
	Eval     template.Evaluator
	Options  Options
}

// StepRunOutput collects every event the step run produced (task,
// loop, and step-boundary events alike) plus the final ctx value for
// the caller (the in-process Orchestrator, normally) to fold via the
// Projector and hand to the Router.
type StepRunOutput struct {
	Status   StepRunStatus
	Events   []event.Event
	FinalCtx value.Value
	// Result is the step's aggregate result: the last task's outcome
	// result for a plain pipeline (a ref-kind Value when externalized),
	// or Null for a loop step, whose aggregate is Manifest instead.
	Result value.Value
	// Manifest aggregates per-iteration externalized parts for a loop
	// step ({strategy: append, parts: [ref, ...]}), Null otherwise.
	Manifest value.Value
	// LoopSummary is non-nil when Step.Loop was set, recording the
	// iteration counts for step.done's payload.
	LoopSummary *LoopSummary
}

// LoopSummary is the iteration success/failure tally emitted with
// loop.done.
type LoopSummary struct {
	Total   int
	Success int
	Failure int
}

// RunStep claims no lease itself (the caller — the Orchestrator/bus
// consumer — owns lease acquisition and heartbeats); RunStep is the
// pure "given an admitted step-run, produce
// its event stream" computation, which is what makes it safe to re-run
// under redelivery: a new step_run_id always produces a disjoint event
// set, so redelivered commands never collide with a prior attempt's
// events.
func RunStep(ctx context.Context, in StepRunInput) (StepRunOutput, error) {
	eval := in.Eval
	if eval == nil {
		eval = template.Default
	}

	out := StepRunOutput{Status: StepRunFailed, FinalCtx: in.Ctx}
	out.Events = append(out.Events, event.Event{
		EventID:     ComputeEventID(in.StepRunID, event.NameStepStarted),
		ExecutionID: in.ExecutionID,
		Name:        event.NameStepStarted,
		EntityType:  "step_run",
		EntityID:    in.StepRunID,
		Status:      event.StatusRunning,
		Payload:     value.Map(map[string]value.Value{"step": value.Str(in.Step.Step)}),
	})

	if in.Step.Loop == nil {
		return runSinglePipeline(ctx, in, eval, out)
	}
	return runLoop(ctx, in, eval, out)
}

func runSinglePipeline(ctx context.Context, in StepRunInput, eval template.Evaluator, out StepRunOutput) (StepRunOutput, error) {
	pout, err := RunPipeline(ctx, PipelineInput{
		ExecutionID:        in.ExecutionID,
		StepRunID:          in.StepRunID,
		Step:               in.Step.Step,
		Tasks:              in.Step.Tool,
		Workload:           in.Workload,
		Ctx:                in.Ctx,
		Iter:               value.Map(nil),
		Args:               in.Args,
		Keychain:           in.Keychain,
		Registry:           in.Registry,
		Eval:               eval,
		DefaultTaskTimeout: in.Options.DefaultTaskTimeout,
		Metrics:            in.Options.Metrics,
		Resource:           in.Options.Resource,
	})
	out.Events = append(out.Events, pout.Events...)
	out.FinalCtx = pout.FinalCtx
	out.Result = pout.Result
	if err != nil {
		return finishStep(out, StepRunFailed, in), err
	}
	if pout.Status == PipelineSuccess {
		return finishStep(out, StepRunOK, in), nil
	}
	return finishStep(out, StepRunFailed, in), nil
}

func finishStep(out StepRunOutput, status StepRunStatus, in StepRunInput) StepRunOutput {
	out.Status = status
	name := event.NameStepDone
	evStatus := event.StatusDone
	if status == StepRunFailed {
		name = event.NameStepFailed
		evStatus = event.StatusFailed
	}
	payload := map[string]value.Value{"step": value.Str(in.Step.Step)}
	switch {
	case out.Result.Kind == value.KindRef:
		payload["ref"] = out.Result
	case !out.Result.IsNull():
		payload["result"] = out.Result
	}
	if !out.Manifest.IsNull() {
		payload["manifest"] = out.Manifest
	}
	out.Events = append(out.Events, event.Event{
		EventID:     ComputeEventID(in.StepRunID, name),
		ExecutionID: in.ExecutionID,
		Name:        name,
		EntityType:  "step_run",
		EntityID:    in.StepRunID,
		Status:      evStatus,
		Payload:     value.Map(payload),
	})
	return out
}

// iterResult is one completed iteration's event stream and outcome,
// produced by runIteration and collected by runLoop in iteration-index
// order regardless of actual completion order (parallel mode may finish
// out of order; the ordering guarantee is about iter.index bookkeeping,
// not wall-clock completion order).
type iterResult struct {
	index  int
	ok     bool
	events []event.Event
	ctx    value.Value
	result value.Value
}

func runLoop(ctx context.Context, in StepRunInput, eval template.Evaluator, out StepRunOutput) (StepRunOutput, error) {
	loop := in.Step.Loop
	scope := value.Map(map[string]value.Value{"workload": in.Workload, "ctx": in.Ctx, "args": in.Args, "keychain": in.Keychain})
	items, err := eval.Eval(loop.In, scope)
	if err != nil {
		return finishStep(out, StepRunFailed, in), fmt.Errorf("engine: evaluate loop.in: %w", err)
	}
	seq := items.L
	if items.Kind != value.KindList {
		seq = []value.Value{items}
	}

	out.Events = append(out.Events, event.Event{
		EventID:     ComputeEventID(in.StepRunID, event.NameLoopStarted),
		ExecutionID: in.ExecutionID,
		Name:        event.NameLoopStarted,
		EntityType:  "step_run",
		EntityID:    in.StepRunID,
		Status:      event.StatusRunning,
		Payload:     value.Map(map[string]value.Value{"cardinality": value.Int(int64(len(seq)))}),
	})

	mode := loop.Spec.Mode
	if mode == "" {
		mode = playbook.ModeSequential
	}
	bestEffort := loop.Spec.Policy.BestEffort

	results := make([]iterResult, len(seq))
	failed := false

	runOne := func(i int) iterResult {
		return runIteration(ctx, in, eval, loop.Iterator, i, seq[i])
	}

	if mode == playbook.ModeParallel && len(seq) > 0 {
		failed = runParallel(ctx, in, loop, seq, results, bestEffort, runOne)
	} else {
		for i := range seq {
			if failed && !bestEffort {
				break
			}
			r := runOne(i)
			results[i] = r
			if !r.ok {
				failed = true
			}
		}
	}

	ctxVal := in.Ctx
	summary := &LoopSummary{}
	var parts []value.Value
	for _, r := range results {
		if r.events == nil && r.ctx.IsNull() {
			continue // iteration never ran (fail-fast short-circuit)
		}
		summary.Total++
		out.Events = append(out.Events, r.events...)
		if !r.ctx.IsNull() {
			ctxVal = ctxVal.Merge(r.ctx)
		}
		if r.result.Kind == value.KindRef {
			parts = append(parts, r.result)
		}
		if r.ok {
			summary.Success++
		} else {
			summary.Failure++
		}
	}
	out.FinalCtx = ctxVal
	out.LoopSummary = summary
	if len(parts) > 0 {
		out.Manifest = value.Map(map[string]value.Value{
			"strategy": value.Str(string(outcome.StrategyAppend)),
			"parts":    value.List(parts...),
		})
	}

	out.Events = append(out.Events, event.Event{
		EventID:     ComputeEventID(in.StepRunID, event.NameLoopDone),
		ExecutionID: in.ExecutionID,
		Name:        event.NameLoopDone,
		EntityType:  "step_run",
		EntityID:    in.StepRunID,
		Status:      event.StatusDone,
		Payload: value.Map(map[string]value.Value{
			"ok":     value.Int(int64(summary.Success)),
			"failed": value.Int(int64(summary.Failure)),
		}),
	})

	if summary.Failure > 0 && !bestEffort {
		return finishStep(out, StepRunFailed, in), nil
	}
	return finishStep(out, StepRunOK, in), nil
}

// runParallel fans seq out through a Frontier bounded to max_in_flight:
// iteration Commands are enqueued in order with deterministic OrderKeys
// and max_in_flight workers drain them, so concurrency never exceeds
// the declared bound and dispatch order is reproducible regardless of
// completion order. Enqueue honors Options.
// BackpressureTimeout once the Frontier saturates. Under fail-fast,
// enqueueing stops at the first observed failure; iterations already
// dispatched run to completion. Returns whether any iteration failed.
func runParallel(ctx context.Context, in StepRunInput, loop *playbook.Loop, seq []value.Value, results []iterResult, bestEffort bool, runOne func(int) iterResult) bool {
	maxInFlight := loop.Spec.MaxInFlight
	if maxInFlight <= 0 || maxInFlight > len(seq) {
		maxInFlight = len(seq)
	}

	capacity := in.Options.QueueDepth
	if capacity <= 0 {
		capacity = maxInFlight
	}
	f := NewFrontier(capacity)
	drainCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	var (
		mu          sync.Mutex
		wg          sync.WaitGroup
		failed      bool
		enqueued    int
		processed   int
		allEnqueued bool
	)

	for w := 0; w < maxInFlight; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cmd, err := f.Dequeue(drainCtx)
				if err != nil {
					return
				}
				r := runOne(cmd.Iteration.Index)
				mu.Lock()
				results[cmd.Iteration.Index] = r
				if !r.ok {
					failed = true
				}
				processed++
				if allEnqueued && processed >= enqueued {
					stopWorkers()
				}
				mu.Unlock()
			}
		}()
	}

	for i := range seq {
		mu.Lock()
		stop := failed && !bestEffort
		mu.Unlock()
		if stop {
			break
		}
		enqCtx := drainCtx
		var cancelEnq context.CancelFunc
		if in.Options.BackpressureTimeout > 0 {
			enqCtx, cancelEnq = context.WithTimeout(drainCtx, in.Options.BackpressureTimeout)
		}
		err := f.Enqueue(enqCtx, Command{
			OrderKey:    ComputeOrderKey(in.StepRunID, i),
			ExecutionID: in.ExecutionID,
			StepRunID:   in.StepRunID,
			TargetStep:  in.Step.Step,
			Iteration:   &IterationSpec{Iterator: loop.Iterator, Index: i, Element: seq[i]},
		})
		if cancelEnq != nil {
			cancelEnq()
		}
		if err != nil {
			break
		}
		mu.Lock()
		enqueued++
		mu.Unlock()
	}

	mu.Lock()
	allEnqueued = true
	if processed >= enqueued {
		stopWorkers()
	}
	mu.Unlock()

	wg.Wait()

	if in.Options.Metrics != nil {
		m := f.Metrics()
		in.Options.Metrics.UpdateQueueDepth(m.CurrentDepth)
		if m.BackpressureEvents > 0 {
			in.Options.Metrics.IncrementBackpressure(in.ExecutionID, "loop_fan_out")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	return failed
}

// IterationOutput is one distributed loop iteration's event stream and
// disposition, returned by RunLoopIteration to the control plane that
// aggregates the loop.
type IterationOutput struct {
	OK       bool
	Events   []event.Event
	FinalCtx value.Value
	Result   value.Value
}

// RunLoopIteration executes a single loop iteration of in.Step's
// pipeline, for workers processing a distributed iteration Command. The
// caller owns loop.started/loop.done and step-boundary events; this
// emits only the iteration and task events, exactly as the local loop
// path does per element.
func RunLoopIteration(ctx context.Context, in StepRunInput, spec IterationSpec) IterationOutput {
	eval := in.Eval
	if eval == nil {
		eval = template.Default
	}
	r := runIteration(ctx, in, eval, spec.Iterator, spec.Index, spec.Element)
	return IterationOutput{OK: r.ok, Events: r.events, FinalCtx: r.ctx, Result: r.result}
}

// runIteration wraps the Pipeline Runner with an iter scope seeded with
// iter.<iterator>=element and iter.index=i, emitting
// loop.iteration.started/done/failed around it.
func runIteration(ctx context.Context, in StepRunInput, eval template.Evaluator, iterator string, index int, element value.Value) iterResult {
	iterationID := fmt.Sprintf("%s-iter-%d", in.StepRunID, index)
	seed := value.Map(map[string]value.Value{
		iterator: element,
		"index":  value.Int(int64(index)),
	})

	var events []event.Event
	events = append(events, event.Event{
		EventID:     ComputeEventID(iterationID, event.NameLoopIterationStarted),
		ExecutionID: in.ExecutionID,
		Name:        event.NameLoopIterationStarted,
		EntityType:  "iteration",
		EntityID:    iterationID,
		ParentID:    in.StepRunID,
		Status:      event.StatusRunning,
		Iteration:   index,
	})

	pout, err := RunPipeline(ctx, PipelineInput{
		ExecutionID:        in.ExecutionID,
		StepRunID:          in.StepRunID,
		IterationID:        iterationID,
		Step:               in.Step.Step,
		Tasks:              in.Step.Tool,
		Workload:           in.Workload,
		Ctx:                in.Ctx,
		Iter:               seed,
		Args:               in.Args,
		Keychain:           in.Keychain,
		Registry:           in.Registry,
		Eval:               eval,
		DefaultTaskTimeout: in.Options.DefaultTaskTimeout,
		Metrics:            in.Options.Metrics,
		Resource:           in.Options.Resource,
	})
	events = append(events, pout.Events...)

	ok := err == nil && pout.Status == PipelineSuccess
	doneName := event.NameLoopIterationDone
	doneStatus := event.StatusDone
	if !ok {
		doneName = event.NameLoopIterationFailed
		doneStatus = event.StatusFailed
	}
	events = append(events, event.Event{
		EventID:     ComputeEventID(iterationID, doneName),
		ExecutionID: in.ExecutionID,
		Name:        doneName,
		EntityType:  "iteration",
		EntityID:    iterationID,
		ParentID:    in.StepRunID,
		Status:      doneStatus,
		Iteration:   index,
	})

	return iterResult{index: index, ok: ok, events: events, ctx: pout.FinalCtx, result: pout.Result}
}
