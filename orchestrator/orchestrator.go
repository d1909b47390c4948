// Package orchestrator implements the Orchestrator Root: it
// accepts execution requests, places the initial token, drives
// commands through Admission -> Scheduler -> Step Runner -> Router ->
// new tokens, and detects completion when no runnable tokens remain and
// no step runs are in flight. It is the glue package that wires
// engine/bus/store/event/projector/playbook/keychain/tool together,
// kept separate from engine/ itself so that engine never has to import
// bus (bus already imports engine.Command; engine importing bus back
// would be a cycle). Collaborators are plain struct fields assembled by
// the caller; there is no DI framework.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/noetl/noetl/bus"
	"github.com/noetl/noetl/emit"
	"github.com/noetl/noetl/engine"
	"github.com/noetl/noetl/event"
	"github.com/noetl/noetl/keychain"
	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/projector"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/tool"
	"github.com/noetl/noetl/value"
)

// Orchestrator wires every collaborator an execution needs: a durable
// Bus for step-run commands, an Ingestor backed by a durable event.Log,
// the Tool Driver Registry, the Template Evaluator, a keychain Resolver,
// and engine Options.
type Orchestrator struct {
	Bus      bus.Bus
	Ingestor *event.Ingestor
	Registry *tool.Registry
	Eval     template.Evaluator
	Keychain keychain.Resolver
	Options  engine.Options
	Emitter  emit.Emitter

	mu         sync.Mutex
	executions map[string]*execState
}

// New constructs an Orchestrator. eval defaults to template.Default, kc
// defaults to keychain.EnvResolver{}, and emitter defaults to
// emit.NullEmitter{} if nil.
func New(b bus.Bus, ingestor *event.Ingestor, registry *tool.Registry, eval template.Evaluator, kc keychain.Resolver, opts engine.Options, emitter emit.Emitter) *Orchestrator {
	if eval == nil {
		eval = template.Default
	}
	if kc == nil {
		kc = keychain.EnvResolver{}
	}
	if emitter == nil {
		emitter = emit.NullEmitter{}
	}
	return &Orchestrator{
		Bus: b, Ingestor: ingestor, Registry: registry, Eval: eval, Keychain: kc, Options: opts, Emitter: emitter,
		executions: map[string]*execState{},
	}
}

// execState is the in-memory bookkeeping for one running execution:
// its playbook (for step lookup), merged workload, resolved keychain,
// the Projector's folded state, and the in-flight counter completion
// detection watches: the execution terminates when no runnable tokens
// remain and no step runs are in flight.
type execState struct {
	mu        sync.Mutex
	pb        *playbook.Playbook
	steps     map[string]playbook.Step
	workload  value.Value
	keychainV value.Value
	proj      *projector.State
	inFlight  int
	done      chan struct{}
	closeOnce sync.Once
	deadEnd   bool // a step failed with no arc firing afterward

	// cancelled and cancelCh implement Cancel: cancelCh is closed
	// exactly once, under mu, the moment Cancel is called; admitAndEnqueue
	// checks cancelled before placing any new token, and processCommand
	// derives a context merged with cancelCh so a step run already
	// in flight observes cancellation at its next ctx check too.
	cancelled bool
	cancelCh  chan struct{}

	// resource is this execution's Resource Tracker, scoped
	// per-execution because ResourceTracker.Snapshot reports one
	// execution_id's spend.
	resource *engine.ResourceTracker

	// loops tracks distributed-exec loop aggregation by step_run_id:
	// the step command that expanded into per-iteration commands holds
	// its inFlight slot here until the last iteration reports back.
	loops map[string]*loopAgg

	// stepRunsStarted counts step-run commands admitted for this
	// execution, checked against Options.MaxStepRuns to stop a routing
	// cycle with no exit condition from running forever.
	stepRunsStarted int
}

// loopAgg accumulates a distributed loop's iteration outcomes until all
// of them are terminal, at which point the owning step run finishes
// (the loop.done summary is computed control-plane-side because the
// iterations ran on arbitrary workers).
type loopAgg struct {
	total     int
	completed int
	success   int
	failure   int
	parts     []value.Value
}

// Request is an execution start request (the POST /executions body).
type Request struct {
	Playbook *playbook.Playbook
	Payload  map[string]interface{}
}

// Start admits a new execution: merges workload, resolves the
// keychain, appends playbook.execution.requested/execution.started, and
// places the initial token on the playbook's first workflow step. It
// returns immediately; call ServeWorkers to drive the execution (or
// Wait to block for completion once workers are running).
//
// The entry step is the first step listed under workflow.
func (o *Orchestrator) Start(ctx context.Context, req Request) (string, error) {
	pb := req.Playbook
	if pb == nil || len(pb.Workflow) == 0 {
		return "", fmt.Errorf("orchestrator: playbook has no workflow steps")
	}

	executionID := newID()
	steps := make(map[string]playbook.Step, len(pb.Workflow))
	for _, s := range pb.Workflow {
		steps[s.Step] = s
	}

	workload := value.FromAny(pb.Workload).Merge(value.FromAny(req.Payload))
	keychainV, err := o.Keychain.Resolve(pb.Keychain)
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolve keychain: %w", err)
	}

	es := &execState{
		pb: pb, steps: steps, workload: workload, keychainV: keychainV,
		proj: projector.New(), done: make(chan struct{}), cancelCh: make(chan struct{}),
		resource: engine.NewResourceTracker(executionID),
		loops:    map[string]*loopAgg{},
	}
	o.mu.Lock()
	o.executions[executionID] = es
	o.mu.Unlock()

	if err := o.ingestAndFold(ctx, es, event.Event{
		ExecutionID: executionID, Name: event.NamePlaybookExecutionRequested,
		EntityType: "execution", EntityID: executionID, Status: event.StatusRequested,
		Payload: value.Map(map[string]value.Value{"workload": workload}),
	}); err != nil {
		return "", err
	}
	if err := o.ingestAndFold(ctx, es, event.Event{
		ExecutionID: executionID, Name: event.NameExecutionStarted,
		EntityType: "execution", EntityID: executionID, Status: event.StatusRunning,
	}); err != nil {
		return "", err
	}

	entry := pb.Workflow[0].Step
	token := engine.Token{ExecutionID: executionID, TargetStep: entry, Args: value.Map(nil)}
	if err := o.admitAndEnqueue(ctx, es, token, executionID, 0); err != nil {
		return "", err
	}

	if o.Options.RunWallClockBudget > 0 {
		t := time.AfterFunc(o.Options.RunWallClockBudget, func() {
			_ = o.Cancel(context.Background(), executionID)
		})
		go func() {
			<-es.done
			t.Stop()
		}()
	}

	return executionID, nil
}

// Wait blocks until executionID's execution has terminated (or ctx is
// cancelled), returning its final projected state.
func (o *Orchestrator) Wait(ctx context.Context, executionID string) (*projector.State, error) {
	o.mu.Lock()
	es, ok := o.executions[executionID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("orchestrator: unknown execution %q", executionID)
	}
	select {
	case <-es.done:
		return es.proj, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns executionID's current projected state without blocking
// for completion (GET /executions/{id}).
func (o *Orchestrator) State(executionID string) (*projector.State, bool) {
	o.mu.Lock()
	es, ok := o.executions[executionID]
	o.mu.Unlock()
	if !ok {
		return nil, false
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.proj.Clone(), true
}

// Cancel marks executionID cancelled. In-flight step runs observe this
// via ctx cancellation at their next suspension point; no new commands
// are admitted afterward.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	o.mu.Lock()
	es, ok := o.executions[executionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: unknown execution %q", executionID)
	}

	es.mu.Lock()
	alreadyCancelled := es.cancelled
	es.cancelled = true
	if !alreadyCancelled {
		close(es.cancelCh)
	}
	es.mu.Unlock()
	if alreadyCancelled {
		return nil
	}

	return o.ingestAndFold(ctx, es, event.Event{
		ExecutionID: executionID, Name: event.NameExecutionFailed,
		EntityType: "execution", EntityID: executionID, Status: event.StatusFailed,
		Payload: value.Map(map[string]value.Value{"kind": value.Str("cancelled")}),
	})
}

// ServeWorkers runs n Data Plane worker goroutines, each dequeuing
// commands from o.Bus and driving them through the Step Runner, until
// ctx is cancelled. n workers execute step runs concurrently; within
// one step run, RunStep is itself single-threaded except for a parallel
// loop's bounded fan-out.
func (o *Orchestrator) ServeWorkers(ctx context.Context, n int) {
	if n <= 0 {
		n = o.Options.MaxConcurrentStepRuns
	}
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

func (o *Orchestrator) workerLoop(ctx context.Context) {
	for {
		msg, err := o.Bus.Dequeue(ctx)
		if err != nil {
			return // ctx cancelled
		}
		if err := o.processCommand(ctx, msg); err != nil {
			_ = o.Bus.Nack(ctx, msg.DeliveryID)
			continue
		}
		_ = o.Bus.Ack(ctx, msg.DeliveryID)
	}
}

func (o *Orchestrator) processCommand(ctx context.Context, msg bus.Message) error {
	cmd := msg.Command
	o.mu.Lock()
	es, ok := o.executions[cmd.ExecutionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: command for unknown execution %q", cmd.ExecutionID)
	}

	step, ok := es.steps[cmd.TargetStep]
	if !ok {
		return fmt.Errorf("orchestrator: command targets unknown step %q", cmd.TargetStep)
	}

	es.mu.Lock()
	ctxVal := es.proj.CtxValue()
	cancelled := es.cancelled
	es.mu.Unlock()
	if cancelled {
		return fmt.Errorf("orchestrator: execution %q is cancelled", cmd.ExecutionID)
	}

	if cmd.Iteration != nil {
		return o.processIteration(ctx, es, step, cmd)
	}
	if step.Loop != nil && step.Loop.Spec.Policy.Exec == playbook.ExecDistributed {
		return o.expandDistributedLoop(ctx, es, step, cmd)
	}

	runCtx, cancelRun := mergeCancel(ctx, es.cancelCh)
	defer cancelRun()

	opts := o.Options
	opts.Resource = es.resource

	out, err := engine.RunStep(runCtx, engine.StepRunInput{
		ExecutionID: cmd.ExecutionID, StepRunID: cmd.StepRunID, Step: step,
		Workload: es.workload, Ctx: ctxVal, Args: cmd.Args, Keychain: es.keychainV,
		Registry: o.Registry, Eval: o.Eval, Options: opts,
	})
	if err != nil {
		return err
	}

	if err := o.commitEvents(ctx, es, cmd.ExecutionID, out.Events); err != nil {
		return err
	}

	return o.afterStepRun(ctx, es, step, cmd, out)
}

// expandDistributedLoop handles a step command whose loop declares
// exec: distributed: the loop's sequence is evaluated here
// on the control plane, loop.started is recorded, and one per-iteration
// Command carrying the iteration seed goes onto the Bus for whichever
// workers dequeue it. The step command's inFlight slot transfers to the
// loopAgg and is released by the final iteration via finishLoop.
func (o *Orchestrator) expandDistributedLoop(ctx context.Context, es *execState, step playbook.Step, cmd engine.Command) error {
	es.mu.Lock()
	ctxVal := es.proj.CtxValue()
	es.mu.Unlock()

	scope := value.Map(map[string]value.Value{
		"workload": es.workload, "ctx": ctxVal, "args": cmd.Args, "keychain": es.keychainV,
	})
	items, err := o.Eval.Eval(step.Loop.In, scope)
	if err != nil {
		return fmt.Errorf("orchestrator: evaluate loop.in for step %q: %w", step.Step, err)
	}
	seq := items.L
	if items.Kind != value.KindList {
		seq = []value.Value{items}
	}

	if err := o.ingestAndFold(ctx, es, event.Event{
		ExecutionID: cmd.ExecutionID, EventID: engine.ComputeEventID(cmd.StepRunID, event.NameStepStarted),
		Name: event.NameStepStarted, EntityType: "step_run", EntityID: cmd.StepRunID,
		Status:  event.StatusRunning,
		Payload: value.Map(map[string]value.Value{"step": value.Str(step.Step)}),
	}); err != nil {
		return err
	}
	if err := o.ingestAndFold(ctx, es, event.Event{
		ExecutionID: cmd.ExecutionID, EventID: engine.ComputeEventID(cmd.StepRunID, event.NameLoopStarted),
		Name: event.NameLoopStarted, EntityType: "step_run", EntityID: cmd.StepRunID,
		Status:  event.StatusRunning,
		Payload: value.Map(map[string]value.Value{"cardinality": value.Int(int64(len(seq)))}),
	}); err != nil {
		return err
	}

	if len(seq) == 0 {
		return o.finishLoop(ctx, es, step, cmd, &loopAgg{})
	}

	agg := &loopAgg{total: len(seq)}
	es.mu.Lock()
	es.loops[cmd.StepRunID] = agg
	es.mu.Unlock()

	for i, element := range seq {
		ic := engine.Command{
			OrderKey:    engine.ComputeOrderKey(cmd.StepRunID, i),
			ExecutionID: cmd.ExecutionID,
			StepRunID:   cmd.StepRunID,
			TargetStep:  step.Step,
			Args:        cmd.Args,
			Iteration:   &engine.IterationSpec{Iterator: step.Loop.Iterator, Index: i, Element: element},
		}
		if err := o.Bus.Enqueue(ctx, ic); err != nil {
			return err
		}
	}
	return nil
}

// processIteration runs one distributed loop iteration and folds its
// outcome into the parent loop's aggregate; the worker completing the
// final iteration also finishes the step run.
func (o *Orchestrator) processIteration(ctx context.Context, es *execState, step playbook.Step, cmd engine.Command) error {
	es.mu.Lock()
	agg, ok := es.loops[cmd.StepRunID]
	ctxVal := es.proj.CtxValue()
	es.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: iteration command for unknown loop run %q", cmd.StepRunID)
	}

	runCtx, cancelRun := mergeCancel(ctx, es.cancelCh)
	defer cancelRun()

	opts := o.Options
	opts.Resource = es.resource

	iout := engine.RunLoopIteration(runCtx, engine.StepRunInput{
		ExecutionID: cmd.ExecutionID, StepRunID: cmd.StepRunID, Step: step,
		Workload: es.workload, Ctx: ctxVal, Args: cmd.Args, Keychain: es.keychainV,
		Registry: o.Registry, Eval: o.Eval, Options: opts,
	}, *cmd.Iteration)

	if err := o.commitEvents(ctx, es, cmd.ExecutionID, iout.Events); err != nil {
		return err
	}

	es.mu.Lock()
	agg.completed++
	if iout.OK {
		agg.success++
	} else {
		agg.failure++
	}
	if iout.Result.Kind == value.KindRef {
		agg.parts = append(agg.parts, iout.Result)
	}
	done := agg.completed >= agg.total
	if done {
		delete(es.loops, cmd.StepRunID)
	}
	es.mu.Unlock()

	if !done {
		return nil
	}
	return o.finishLoop(ctx, es, step, cmd, agg)
}

// finishLoop records loop.done and the step-boundary event for a
// distributed loop once every iteration is terminal, then hands off to
// afterStepRun for routing and completion bookkeeping. Fail-fast here
// applies to the step's terminal status only: iterations already on the
// Bus still run, since no worker can recall a command another worker
// holds (documented in DESIGN.md alongside the best-effort decision).
func (o *Orchestrator) finishLoop(ctx context.Context, es *execState, step playbook.Step, cmd engine.Command, agg *loopAgg) error {
	if err := o.ingestAndFold(ctx, es, event.Event{
		ExecutionID: cmd.ExecutionID, EventID: engine.ComputeEventID(cmd.StepRunID, event.NameLoopDone),
		Name: event.NameLoopDone, EntityType: "step_run", EntityID: cmd.StepRunID,
		Status: event.StatusDone,
		Payload: value.Map(map[string]value.Value{
			"ok":     value.Int(int64(agg.success)),
			"failed": value.Int(int64(agg.failure)),
		}),
	}); err != nil {
		return err
	}

	status := engine.StepRunOK
	name := event.NameStepDone
	evStatus := event.StatusDone
	if agg.failure > 0 && !step.Loop.Spec.Policy.BestEffort {
		status, name, evStatus = engine.StepRunFailed, event.NameStepFailed, event.StatusFailed
	}

	payload := map[string]value.Value{"step": value.Str(step.Step)}
	var manifest value.Value
	if len(agg.parts) > 0 {
		manifest = value.Map(map[string]value.Value{
			"strategy": value.Str(string(outcome.StrategyAppend)),
			"parts":    value.List(agg.parts...),
		})
		payload["manifest"] = manifest
	}
	if err := o.ingestAndFold(ctx, es, event.Event{
		ExecutionID: cmd.ExecutionID, EventID: engine.ComputeEventID(cmd.StepRunID, name),
		Name: name, EntityType: "step_run", EntityID: cmd.StepRunID,
		Status: evStatus, Payload: value.Map(payload),
	}); err != nil {
		return err
	}

	es.mu.Lock()
	finalCtx := es.proj.CtxValue()
	es.mu.Unlock()

	return o.afterStepRun(ctx, es, step, cmd, engine.StepRunOutput{
		Status: status, FinalCtx: finalCtx, Manifest: manifest,
		LoopSummary: &engine.LoopSummary{Total: agg.completed, Success: agg.success, Failure: agg.failure},
	})
}

// afterStepRun evaluates the Router on the step's terminal event,
// admits and enqueues a Token per fired arc, and performs completion
// bookkeeping: this step run's slot in inFlight is released only after
// any downstream tokens it spawned have already been counted, so the
// in-flight count never transiently touches zero while a successor is
// still being placed.
func (o *Orchestrator) afterStepRun(ctx context.Context, es *execState, step playbook.Step, cmd engine.Command, out engine.StepRunOutput) error {
	firedAny := false

	if step.Next != nil {
		// Routing reads ctx from the Projector, not the runner's own
		// FinalCtx: the runner's merge is optimistic last-write-wins,
		// while the projected state has already applied the
		// reject-on-conflict rule to concurrent set_ctx patches.
		es.mu.Lock()
		ctxVal := es.proj.CtxValue()
		es.mu.Unlock()
		scope := value.Map(map[string]value.Value{
			"workload": es.workload,
			"ctx":      ctxVal,
			"result":   out.Result,
			"event":    value.Map(map[string]value.Value{"name": value.Str(string(statusEventName(out.Status)))}),
		})
		arcs, err := engine.Route(step.Next, scope, o.Eval)
		if err != nil {
			return err
		}
		if err := o.ingestAndFold(ctx, es, event.Event{
			ExecutionID: cmd.ExecutionID, Name: event.NameNextEvaluated,
			EntityType: "step_run", EntityID: cmd.StepRunID, Status: event.StatusDone,
			Payload: value.Map(map[string]value.Value{"arc_count": value.Int(int64(len(arcs)))}),
		}); err != nil {
			return err
		}

		for i, arc := range arcs {
			firedAny = true
			token := engine.Token{
				ExecutionID: cmd.ExecutionID, TargetStep: arc.Arc.Step, Args: arc.Args,
				ParentEventID: cmd.StepRunID,
			}
			if err := o.admitAndEnqueue(ctx, es, token, cmd.StepRunID, i); err != nil {
				return err
			}
		}
	}

	es.mu.Lock()
	es.inFlight--
	if out.Status == engine.StepRunFailed && !firedAny {
		es.deadEnd = true
	}
	done := es.inFlight <= 0
	inFlight := es.inFlight
	es.mu.Unlock()
	o.gaugeInFlight(inFlight)

	if done {
		o.finish(ctx, es, cmd.ExecutionID)
	}
	return nil
}

func statusEventName(s engine.StepRunStatus) string {
	if s == engine.StepRunOK {
		return event.NameStepDone
	}
	return event.NameStepFailed
}

// admitAndEnqueue evaluates the Admission Gate for token's target step
// and either enqueues a step-run Command (allow) or records
// step.admission.denied and releases its inFlight slot (deny).
func (o *Orchestrator) admitAndEnqueue(ctx context.Context, es *execState, token engine.Token, parent string, edgeIndex int) error {
	es.mu.Lock()
	if es.cancelled {
		es.mu.Unlock()
		return nil // execution cancelled: drop the token, admit nothing new
	}
	es.inFlight++
	inFlight := es.inFlight
	es.mu.Unlock()
	o.gaugeInFlight(inFlight)

	step, ok := es.steps[token.TargetStep]
	if !ok {
		return fmt.Errorf("orchestrator: admission target unknown step %q", token.TargetStep)
	}

	es.mu.Lock()
	ctxVal := es.proj.CtxValue()
	es.mu.Unlock()

	scope := value.Map(map[string]value.Value{
		"workload": es.workload, "ctx": ctxVal, "args": token.Args, "keychain": es.keychainV,
	})
	allowed, err := engine.EvaluateAdmission(step.Spec.Policy, o.Eval, scope)
	if err != nil {
		return err
	}
	if !allowed {
		if err := o.ingestAndFold(ctx, es, event.Event{
			ExecutionID: token.ExecutionID, Name: event.NameAdmissionDenied,
			EntityType: "step", EntityID: token.TargetStep, Status: event.StatusFailed,
		}); err != nil {
			return err
		}
		es.mu.Lock()
		es.inFlight--
		done := es.inFlight <= 0
		remaining := es.inFlight
		es.mu.Unlock()
		o.gaugeInFlight(remaining)
		if done {
			o.finish(ctx, es, token.ExecutionID)
		}
		return nil
	}

	if o.Options.MaxStepRuns > 0 {
		es.mu.Lock()
		es.stepRunsStarted++
		exceeded := es.stepRunsStarted > o.Options.MaxStepRuns
		if exceeded {
			// A routing cycle with no exit condition: stop admitting
			// and let the execution terminate as failed.
			es.deadEnd = true
			es.inFlight--
		}
		done := exceeded && es.inFlight <= 0
		es.mu.Unlock()
		if exceeded {
			if err := o.ingestAndFold(ctx, es, event.Event{
				ExecutionID: token.ExecutionID, Name: event.NameAdmissionDenied,
				EntityType: "step", EntityID: token.TargetStep, Status: event.StatusFailed,
				Payload: value.Map(map[string]value.Value{"reason": value.Str("step-run budget exhausted")}),
			}); err != nil {
				return err
			}
			if done {
				o.finish(ctx, es, token.ExecutionID)
			}
			return nil
		}
	}

	stepRunID := newID()
	cmd := engine.Command{
		OrderKey:    engine.ComputeOrderKey(parent, edgeIndex),
		ExecutionID: token.ExecutionID,
		StepRunID:   stepRunID,
		TargetStep:  token.TargetStep,
		Args:        token.Args,
	}
	return o.Bus.Enqueue(ctx, cmd)
}

// finish appends the terminal execution.* event once inFlight reaches
// zero and closes es.done, unblocking any Wait callers.
func (o *Orchestrator) finish(ctx context.Context, es *execState, executionID string) {
	es.closeOnce.Do(func() {
		name := event.NameExecutionFinished
		status := event.StatusDone
		if es.deadEnd {
			name = event.NameExecutionFailed
			status = event.StatusFailed
		}
		_ = o.ingestAndFold(ctx, es, event.Event{
			ExecutionID: executionID, Name: name,
			EntityType: "execution", EntityID: executionID, Status: status,
		})
		close(es.done)
	})
}

func (o *Orchestrator) ingestAndFold(ctx context.Context, es *execState, ev event.Event) error {
	if ev.EventID == "" {
		ev.EventID = newID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return o.commitEvents(ctx, es, ev.ExecutionID, []event.Event{ev})
}

// commitEvents is the single path every event batch takes into the
// system: durable append through the Ingestor, fold into the Projector,
// best-effort emission, and — when the fold rejected any set_ctx
// patches — a ctx.patch.rejected event per rejection, so a consumer of
// GET /executions/{id}/events observes conflicts instead of them living
// only in projector memory.
func (o *Orchestrator) commitEvents(ctx context.Context, es *execState, executionID string, events []event.Event) error {
	committed, err := o.Ingestor.Append(ctx, events)
	if err != nil {
		return err
	}
	es.mu.Lock()
	before := len(es.proj.RejectedPatches)
	for _, c := range committed {
		es.proj.Apply(c)
	}
	rejected := append([]projector.RejectedPatch(nil), es.proj.RejectedPatches[before:]...)
	es.mu.Unlock()
	o.recordCtxConflicts(executionID, rejected)
	_ = o.Emitter.EmitBatch(ctx, committed)
	return o.appendRejections(ctx, es, executionID, rejected)
}

// appendRejections records each rejected set_ctx patch as its own
// ctx.patch.rejected event. Folding these events is a no-op (the
// Projector only audits them), so the recursion through commitEvents
// terminates after one level.
func (o *Orchestrator) appendRejections(ctx context.Context, es *execState, executionID string, rejected []projector.RejectedPatch) error {
	for _, r := range rejected {
		ev := event.Event{
			ExecutionID: executionID,
			EventID:     engine.ComputeEventID(r.WriterID, event.NameCtxPatchRejected, r.Key),
			Name:        event.NameCtxPatchRejected,
			EntityType:  "ctx",
			EntityID:    r.Key,
			ParentID:    r.WriterID,
			Status:      event.StatusFailed,
			Payload: value.Map(map[string]value.Value{
				"key":       value.Str(r.Key),
				"writer":    value.Str(r.WriterID),
				"attempted": r.Attempted,
			}),
		}
		if err := o.ingestAndFold(ctx, es, ev); err != nil {
			return err
		}
	}
	return nil
}

// gaugeInFlight updates the in-flight step-run gauge when metrics are
// enabled.
func (o *Orchestrator) gaugeInFlight(n int) {
	if o.Options.Metrics != nil {
		o.Options.Metrics.UpdateInflightStepRuns(n)
	}
}

// recordCtxConflicts feeds reject-on-conflict set_ctx outcomes into the
// Prometheus conflict counter when metrics are enabled.
func (o *Orchestrator) recordCtxConflicts(executionID string, rejected []projector.RejectedPatch) {
	if o.Options.Metrics == nil {
		return
	}
	for _, r := range rejected {
		o.Options.Metrics.IncrementCtxConflicts(executionID, r.Key)
	}
}

func newID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// mergeCancel derives a context cancelled either when ctx itself is
// cancelled or when cancelCh is closed, whichever comes first, so a
// step run already dispatched to RunStep observes an Orchestrator-level
// Cancel call without the caller needing its own ctx plumbing.
func mergeCancel(ctx context.Context, cancelCh <-chan struct{}) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-cancelCh:
			cancel()
		case <-merged.Done():
		}
	}()
	return merged, cancel
}
