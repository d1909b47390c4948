// Package projector folds the append-only event stream into the derived
// state the rest of the engine reads: execution status, per-step-run
// state, the ctx store, the result index, and per-step aggregate refs.
//
// Every reducer here is a pure (prevState, event) -> nextState function:
// state is never mutated in place by anything other than Apply, which is
// what makes replaying the log reproduce run-time state exactly.
package projector

import (
	"github.com/noetl/noetl/event"
	"github.com/noetl/noetl/value"
)

// ExecutionStatus is the lifecycle of a whole execution.
type ExecutionStatus string

const (
	ExecRequested ExecutionStatus = "requested"
	ExecRunning   ExecutionStatus = "running"
	ExecFinished  ExecutionStatus = "finished"
	ExecPaused    ExecutionStatus = "paused"
	ExecFailed    ExecutionStatus = "failed"
)

// StepRunStatus is the lifecycle of a single step-run.
type StepRunStatus string

const (
	StepRunInProgress StepRunStatus = "in_progress"
	StepRunSuccess    StepRunStatus = "success"
	StepRunFailure    StepRunStatus = "failure"
)

// ResultKey identifies one entry in the result index: a specific
// task invocation's output, addressable by its full coordinate.
type ResultKey struct {
	ExecutionID string
	Step        string
	StepRunID   string
	TaskRunID   string
	Iteration   int
	Page        int
	Attempt     int
}

// StepRunState tracks one step-run's lifecycle and aggregate result ref.
type StepRunState struct {
	Status         StepRunStatus
	LastResultRef  value.Value // reference-kind Value, or Null if none yet
	Manifest       value.Value // aggregate manifest Value, or Null
}

// CtxEntry records who last wrote a ctx key — an iteration id for
// patches made inside a loop, a step_run_id otherwise — so a later
// conflicting write from a different writer can be rejected rather than
// silently applied.
type CtxEntry struct {
	Value    value.Value
	WriterID string
}

// State is the full projected view the engine consults to make admission,
// routing, and pipeline decisions. It is always derived by folding the
// event log from empty State via Apply — never constructed or mutated any
// other way.
type State struct {
	ExecutionStatus ExecutionStatus
	StepRuns        map[string]*StepRunState // keyed by step_run_id
	Ctx             map[string]CtxEntry
	ResultIndex     map[ResultKey]value.Value
	RejectedPatches []RejectedPatch
}

// RejectedPatch records a set_ctx write that lost a reject-on-conflict
// race: the first writer (iteration or step run) to patch a given ctx
// key wins; later patches to the same key from any other writer are
// recorded here instead of applied, and surfaced by the Orchestrator as
// ctx.patch.rejected events.
type RejectedPatch struct {
	Key       string
	WriterID  string
	Attempted value.Value
}

// New returns an empty projection, the zero value a fresh execution
// starts folding events into.
func New() *State {
	return &State{
		StepRuns:    map[string]*StepRunState{},
		Ctx:         map[string]CtxEntry{},
		ResultIndex: map[ResultKey]value.Value{},
	}
}

// Apply folds one event into state, returning the updated state. It
// never mutates the maps of the input in place for Ctx writes that are
// rejected (callers may also treat the receiver as updated-in-place for
// the common case, but the rejected-patch bookkeeping is always
// additive/append-only to avoid losing audit history).
func (s *State) Apply(ev event.Event) *State {
	switch ev.Name {
	case event.NamePlaybookExecutionRequested:
		s.ExecutionStatus = ExecRequested
	case event.NameExecutionStarted:
		s.ExecutionStatus = ExecRunning
	case event.NameExecutionFinished:
		s.ExecutionStatus = ExecFinished
	case event.NameExecutionFailed:
		s.ExecutionStatus = ExecFailed
	case event.NameExecutionPaused:
		s.ExecutionStatus = ExecPaused

	case event.NameStepStarted:
		s.stepRun(ev.EntityID).Status = StepRunInProgress
	case event.NameStepDone:
		run := s.stepRun(ev.EntityID)
		run.Status = StepRunSuccess
		if ref := ev.Payload.Get("ref"); !ref.IsNull() {
			run.LastResultRef = ref
		}
		if m := ev.Payload.Get("manifest"); !m.IsNull() {
			run.Manifest = m
		}
	case event.NameStepFailed:
		s.stepRun(ev.EntityID).Status = StepRunFailure

	case event.NameCtxPatched:
		s.applyCtxPatch(ev)

	case event.NameTaskDone, event.NameTaskFailed:
		s.indexResult(ev)
	}
	return s
}

func (s *State) stepRun(stepRunID string) *StepRunState {
	run, ok := s.StepRuns[stepRunID]
	if !ok {
		run = &StepRunState{Status: StepRunInProgress, LastResultRef: value.Null, Manifest: value.Null}
		s.StepRuns[stepRunID] = run
	}
	return run
}

// applyCtxPatch implements the reject-on-conflict rule: the first
// writer to patch a given ctx key wins, where the writer identity is
// the event's EntityID — a distinct iteration id for each sibling
// iteration of a parallel loop, a step_run_id for a plain pipeline. A
// later patch to the same key from a *different* writer is recorded as
// rejected instead of applied; patches from the *same* writer (e.g.
// successive retries re-patching inside one iteration) are treated as
// re-affirmations and applied normally.
func (s *State) applyCtxPatch(ev event.Event) {
	patch := ev.Payload.Get("patch")
	if patch.Kind != value.KindMap {
		return
	}
	for _, key := range patch.Keys() {
		val := patch.Get(key)
		existing, had := s.Ctx[key]
		if had && existing.WriterID != ev.EntityID {
			s.RejectedPatches = append(s.RejectedPatches, RejectedPatch{
				Key:       key,
				WriterID:  ev.EntityID,
				Attempted: val,
			})
			continue
		}
		s.Ctx[key] = CtxEntry{Value: val, WriterID: ev.EntityID}
	}
}

func (s *State) indexResult(ev event.Event) {
	key := ResultKey{
		ExecutionID: ev.ExecutionID,
		Step:        ev.Payload.Get("step").S,
		StepRunID:   ev.EntityID,
		TaskRunID:   ev.Payload.Get("task_run_id").S,
		Iteration:   int(ev.Iteration),
		Page:        int(ev.Page),
		Attempt:     int(ev.Attempt),
	}
	if ref := ev.Payload.Get("ref"); !ref.IsNull() {
		s.ResultIndex[key] = ref
		return
	}
	s.ResultIndex[key] = ev.Payload.Get("result")
}

// Clone returns a structurally independent copy of s, for callers (the
// API handlers, mainly) that read projected state while the worker pool
// is still folding events into the original.
func (s *State) Clone() *State {
	out := &State{
		ExecutionStatus: s.ExecutionStatus,
		StepRuns:        make(map[string]*StepRunState, len(s.StepRuns)),
		Ctx:             make(map[string]CtxEntry, len(s.Ctx)),
		ResultIndex:     make(map[ResultKey]value.Value, len(s.ResultIndex)),
	}
	for id, run := range s.StepRuns {
		cp := *run
		out.StepRuns[id] = &cp
	}
	for k, entry := range s.Ctx {
		out.Ctx[k] = entry
	}
	for k, v := range s.ResultIndex {
		out.ResultIndex[k] = v
	}
	out.RejectedPatches = append(out.RejectedPatches, s.RejectedPatches...)
	return out
}

// CtxValue returns the ctx store as a single merged value.Value, the
// shape the Pipeline/Iteration Runners read as the `ctx` scope.
func (s *State) CtxValue() value.Value {
	out := make(map[string]value.Value, len(s.Ctx))
	for k, entry := range s.Ctx {
		out[k] = entry.Value
	}
	return value.Map(out)
}
