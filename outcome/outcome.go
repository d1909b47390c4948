// Package outcome defines the canonical result envelope produced by every
// tool invocation, plus the reference-first large-payload types (ResultRef,
// Manifest) that keep oversized results out of the event stream.
package outcome

import (
	"time"

	"github.com/noetl/noetl/value"
)

// Status is the top-level disposition of a tool invocation.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Outcome is the single canonical result of a tool invocation, invariant
// across all task kinds. Exactly one of Result/Ref is meaningful when
// Status is StatusOK; Error is meaningful when Status is StatusError.
type Outcome struct {
	Status Status         `json:"status"`
	Result value.Value    `json:"result,omitempty"`
	Ref    *ResultRef      `json:"ref,omitempty"`
	Error  *Error         `json:"error,omitempty"`
	Meta   Meta           `json:"meta"`
	// Kind carries an optional stable kind-specific block (http.status,
	// pg.code, …) keyed by the tool kind name that produced it.
	Kind map[string]value.Value `json:"kind,omitempty"`
}

// Error describes a failed tool invocation.
type Error struct {
	Kind      string                 `json:"kind"`
	Retryable bool                   `json:"retryable,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]value.Value `json:"details,omitempty"`
}

// Meta carries invocation bookkeeping common to every Outcome.
type Meta struct {
	Attempt    int       `json:"attempt"`
	DurationMS int64     `json:"duration_ms"`
	Ts         time.Time `json:"ts"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// Ok constructs a successful inline Outcome.
func Ok(result value.Value, meta Meta) Outcome {
	return Outcome{Status: StatusOK, Result: result, Meta: meta}
}

// OkRef constructs a successful Outcome whose payload has been
// externalized to a ResultRef because it exceeded the inline cap.
func OkRef(ref ResultRef, meta Meta) Outcome {
	return Outcome{Status: StatusOK, Ref: &ref, Meta: meta}
}

// Fail constructs a failed Outcome.
func Fail(err Error, meta Meta) Outcome {
	return Outcome{Status: StatusError, Error: &err, Meta: meta}
}

// IsOK reports whether the outcome succeeded.
func (o Outcome) IsOK() bool { return o.Status == StatusOK }

// ResultValue returns the outcome's result as a value.Value, resolving a
// ResultRef to its reference-kind representation (store/key/size/checksum
// as map fields) rather than fetching the backing bytes — callers that
// need the bytes go through an artifact.Store explicitly.
func (o Outcome) ResultValue() value.Value {
	if o.Ref != nil {
		return o.Ref.Value()
	}
	return o.Result
}
