// Package tool defines the driver contract every task kind dispatches
// through, plus the registry tool.Driver implementations are bound
// into at wiring time.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/value"
)

// Driver executes one task kind (http, sql, pyexec, llm, ...). cfg is
// the task's rendered spec/args; scope is the current evaluation
// context (workload/ctx/iter/_prev) available for drivers that need to
// resolve additional references. Every Driver must return the
// canonical Outcome envelope rather than a bare value or error —
// a failed tool invocation is still a successful Execute call carrying
// an error Outcome, with the returned error reserved for conditions
// that never reached tool semantics at all (bad driver wiring, context
// cancellation before dispatch).
type Driver interface {
	Execute(ctx context.Context, cfg map[string]interface{}, scope value.Value) (outcome.Outcome, error)
}

// Registry is the Tool Driver Registry: a pluggable lookup from task
// kind name to the Driver that handles it, keyed by playbook
// task.kind.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register binds kind to d, overwriting any prior binding.
func (r *Registry) Register(kind string, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[kind] = d
}

// Lookup returns the Driver registered for kind, or ok=false if the
// playbook validator should have already rejected this kind as unknown
// (ValidationError UnknownTaskKind) — Lookup failing here indicates a
// registry/validator mismatch, not a playbook error.
func (r *Registry) Lookup(kind string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[kind]
	return d, ok
}

// Kinds returns the set of registered kind names, used by
// playbook.Validate's registeredKinds argument.
func (r *Registry) Kinds() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.drivers))
	for k := range r.drivers {
		out[k] = true
	}
	return out
}

// Execute looks up kind in the registry and dispatches to it,
// returning a plain error naming the kind if no driver is registered —
// the Pipeline Runner's single call site into this package.
func (r *Registry) Execute(ctx context.Context, kind string, cfg map[string]interface{}, scope value.Value) (outcome.Outcome, error) {
	d, ok := r.Lookup(kind)
	if !ok {
		return outcome.Outcome{}, fmt.Errorf("tool: no driver registered for kind %q", kind)
	}
	return d.Execute(ctx, cfg, scope)
}
