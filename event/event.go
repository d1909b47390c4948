// Package event defines the append-only Event envelope that is the
// engine's single source of truth, plus idempotent ingestion into an
// ordered, per-execution log.
package event

import (
	"time"

	"github.com/noetl/noetl/value"
)

// Source names which side of the engine produced an event.
type Source string

const (
	SourceServer Source = "server"
	SourceWorker Source = "worker"
)

// Status is the terminal or in-flight disposition an event reports for
// its entity.
type Status string

const (
	StatusRequested Status = "requested"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Event is the canonical, immutable record appended to the Event Log.
// Every control-plane and data-plane transition is represented as one.
type Event struct {
	EventID       string     `json:"event_id"`
	ExecutionID   string     `json:"execution_id"`
	Seq           int64      `json:"seq"`
	Timestamp     time.Time  `json:"timestamp"`
	Source        Source     `json:"source"`
	Name          string     `json:"name"`
	EntityType    string     `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	ParentID      string     `json:"parent_id,omitempty"`
	Status        Status     `json:"status"`
	Attempt       int        `json:"attempt,omitempty"`
	Iteration     int        `json:"iteration,omitempty"`
	Page          int        `json:"page,omitempty"`
	Payload       value.Value `json:"payload,omitempty"`
}

// Key returns the idempotency key this event is deduplicated on.
func (e Event) Key() Key {
	return Key{ExecutionID: e.ExecutionID, EventID: e.EventID}
}

// Key is the idempotency key Append deduplicates incoming events by:
// (execution_id, event_id).
type Key struct {
	ExecutionID string
	EventID     string
}

// Event names emitted across the control and data planes.
const (
	NamePlaybookExecutionRequested = "playbook.execution.requested"
	NameExecutionStarted           = "execution.started"
	NameExecutionFinished          = "execution.finished"
	NameExecutionFailed            = "execution.failed"
	NameExecutionPaused            = "execution.paused"
	NameStepStarted                = "step.started"
	NameStepDone                   = "step.done"
	NameStepFailed                 = "step.failed"
	NameAdmissionDenied            = "step.admission.denied"
	NameLoopStarted                = "loop.started"
	NameLoopIterationStarted       = "loop.iteration.started"
	NameLoopIterationDone          = "loop.iteration.done"
	NameLoopIterationFailed        = "loop.iteration.failed"
	NameLoopDone                   = "loop.done"
	NameTaskStarted                = "task.started"
	NameTaskDone                   = "task.done"
	NameTaskFailed                 = "task.failed"
	NameTokenEmitted               = "token.emitted"
	NameCtxPatched                 = "ctx.patched"
	NameCtxPatchRejected           = "ctx.patch.rejected"
	NameNextEvaluated              = "next.evaluated"
)
