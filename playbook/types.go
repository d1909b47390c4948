// Package playbook parses, validates, and normalizes the declarative YAML
// documents that describe a workflow graph: steps, their task pipelines,
// loops, and routing arcs.
package playbook

// Playbook is the static, immutable input to an execution: a directed
// graph of Steps plus the metadata and defaults needed to run it.
type Playbook struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   Metadata               `yaml:"metadata"`
	Keychain   []KeychainEntry        `yaml:"keychain,omitempty"`
	Executor   map[string]interface{} `yaml:"executor,omitempty"`
	Workload   map[string]interface{} `yaml:"workload,omitempty"`
	Workflow   []Step                 `yaml:"workflow"`
	// WorkbookRaw holds each named template's undecoded task list exactly
	// as authored (shorthand forms allowed, same as a step's tool list).
	// Normalize expands it into Workbook.
	WorkbookRaw map[string]interface{} `yaml:"workbook,omitempty"`
	Workbook    map[string][]Task      `yaml:"-"`

	// rawDoc is the whole document decoded a second time into a generic
	// map, kept only so Validate can scan for deprecated top-level and
	// step-level keys that the typed struct above intentionally has no
	// field for (root vars, step.when, case, retry, sink, eval, expr,
	// step.spec.next_mode).
	rawDoc map[string]interface{} `yaml:"-"`
}

// Metadata names and versions a playbook document.
type Metadata struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path,omitempty"`
	Version     string `yaml:"version,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// KeychainEntry declares one credential resolved before execution and
// exposed read-only at runtime as keychain.<name>.
type KeychainEntry struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
}

// Step is one node of the Petri-net graph: a task pipeline, an optional
// loop wrapping it, and an optional router describing outgoing arcs. A
// step must carry at least one of Tool or Next (enforced by Validate).
type Step struct {
	Step string                 `yaml:"step"`
	Desc string                 `yaml:"desc,omitempty"`
	Spec StepSpec               `yaml:"spec,omitempty"`
	Loop *Loop                  `yaml:"loop,omitempty"`
	// ToolRaw captures the pre-normalization shorthand form (single
	// object, bare list, or already label-keyed map) exactly as decoded
	// by the YAML library. Normalize consumes ToolRaw and populates Tool
	// with the canonicalized `[]Task` form.
	ToolRaw interface{} `yaml:"tool,omitempty"`
	Tool    []Task      `yaml:"-"`
	Next    *Next       `yaml:"next,omitempty"`
}

// StepSpec carries the step-scoped admission policy.
type StepSpec struct {
	Policy AdmitPolicy `yaml:"policy,omitempty"`
}

// AdmitPolicy is the admission rule set evaluated by the Admission Gate
// before a step's pipeline is allowed to run.
type AdmitPolicy struct {
	Admit AdmitRules `yaml:"admit,omitempty"`
}

// AdmitRules is an ordered list of admission rules.
type AdmitRules struct {
	Rules []AdmitRule `yaml:"rules,omitempty"`
}

// AdmitRule is one `when -> then` admission decision.
type AdmitRule struct {
	When string     `yaml:"when,omitempty"`
	Then AdmitThen  `yaml:"then"`
}

// AdmitThen names the admission directive ("allow" or "deny").
type AdmitThen struct {
	Do string `yaml:"do"`
}

// Task is one labeled entry in a step's pipeline: a tool invocation plus
// the policy that governs retry/jump/break/fail/continue decisions.
type Task struct {
	Label string                 `yaml:"-"`
	Kind  string                 `yaml:"kind"`
	Spec  TaskSpec               `yaml:"spec,omitempty"`
	Args  map[string]interface{} `yaml:"args,omitempty"`
	// Uses references a named workbook template this task expands from;
	// resolved and cleared during Normalize.
	Uses string `yaml:"uses,omitempty"`
	// Extra holds kind-specific fields not modeled explicitly (sql
	// queries, http urls, etc.) decoded into a generic map.
	Extra map[string]interface{} `yaml:"-"`
}

// TaskSpec carries the task timeout and the task-scoped policy.
type TaskSpec struct {
	TimeoutMS int        `yaml:"timeout_ms,omitempty"`
	Policy    TaskPolicy `yaml:"policy,omitempty"`
}

// TaskPolicy is the ordered rule set the Task Policy Evaluator applies to
// an Outcome.
type TaskPolicy struct {
	Rules []PolicyRule `yaml:"rules,omitempty"`
}

// PolicyRule is one `when -> then` policy decision over an Outcome.
type PolicyRule struct {
	When string      `yaml:"when,omitempty"`
	Then PolicyThen  `yaml:"then"`
}

// PolicyThen is the directive produced when a rule's When expression
// matches: one of continue|retry|jump|break|fail, plus the knobs that
// particular directive needs.
type PolicyThen struct {
	Do       string            `yaml:"do"`
	To       string            `yaml:"to,omitempty"`
	Attempts int               `yaml:"attempts,omitempty"`
	Backoff  string            `yaml:"backoff,omitempty"`
	DelayMS  int               `yaml:"delay_ms,omitempty"`
	SetIter  map[string]string `yaml:"set_iter,omitempty"`
	SetCtx   map[string]string `yaml:"set_ctx,omitempty"`
}

// Loop wraps a step's pipeline in a fan-out over an evaluated sequence.
type Loop struct {
	In       string   `yaml:"in"`
	Iterator string   `yaml:"iterator"`
	Spec     LoopSpec `yaml:"spec,omitempty"`
}

// LoopSpec controls loop execution mode and concurrency.
type LoopSpec struct {
	Mode        string        `yaml:"mode,omitempty"`
	MaxInFlight int           `yaml:"max_in_flight,omitempty"`
	Policy      LoopExecPolicy `yaml:"policy,omitempty"`
}

// LoopExecPolicy names where loop iterations execute and whether a
// single iteration failure fails the whole step. The default is
// fail-fast; BestEffort collects every iteration's outcome instead of
// short-circuiting on the first failure.
type LoopExecPolicy struct {
	Exec       string `yaml:"exec,omitempty"`
	BestEffort bool   `yaml:"best_effort,omitempty"`
}

// Next is a step's router: a set of outgoing arcs and the mode
// (exclusive|inclusive) the Router uses to evaluate them.
type Next struct {
	Spec NextSpec `yaml:"spec,omitempty"`
	Arcs []Arc    `yaml:"arcs"`
}

// NextSpec names the router's arc-evaluation mode.
type NextSpec struct {
	Mode string `yaml:"mode,omitempty"`
}

// Arc is one outgoing edge: a guarded transition to a target step,
// carrying an optional args template evaluated to build the token's
// payload.
type Arc struct {
	Step string                 `yaml:"step"`
	When string                 `yaml:"when,omitempty"`
	Args map[string]interface{} `yaml:"args,omitempty"`
	Spec map[string]interface{} `yaml:"spec,omitempty"`
}

const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"

	ModeExclusive = "exclusive"
	ModeInclusive = "inclusive"

	ExecLocal       = "local"
	ExecDistributed = "distributed"
)
