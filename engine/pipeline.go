// Pipeline Runner: the Data Plane loop that walks one step's task list,
// dispatching each task to a tool.Driver and applying the Task Policy
// Evaluator's directive to decide what runs next. The task list is
// playbook-declared and kind-dispatched, with jump/retry/break/fail
// control flow rather than straight-line call-and-continue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/noetl/noetl/event"
	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/tool"
	"github.com/noetl/noetl/value"
)

// PipelineStatus is a pipeline run's terminal disposition.
type PipelineStatus string

const (
	PipelineSuccess PipelineStatus = "success"
	PipelineFailed  PipelineStatus = "failed"
)

// PipelineInput is everything RunPipeline needs to walk one step's task
// list to completion.
type PipelineInput struct {
	ExecutionID string
	StepRunID   string
	// IterationID is empty for a step with no loop.
	IterationID string
	Step        string
	Tasks       []playbook.Task
	Workload    value.Value
	Ctx         value.Value
	Iter        value.Value
	// Args is the token payload the firing arc delivered to this step;
	// Keychain is the execution's read-only resolved credential map.
	// Both are exposed to templates and policy rules as their own
	// scopes rather than folded into iter/ctx.
	Args     value.Value
	Keychain value.Value
	Registry *tool.Registry
	Eval        template.Evaluator
	// DefaultTaskTimeout applies when a task has no spec.timeout_ms of
	// its own; zero means no timeout is enforced beyond ctx's own
	// deadline.
	DefaultTaskTimeout time.Duration
	// Metrics and Resource are optional ambient collaborators threaded
	// down from Options; both are nil-checked before use so a caller
	// that never wires them (tests, DefaultOptions()) pays no cost.
	Metrics  *PrometheusMetrics
	Resource *ResourceTracker
}

// PipelineOutput is the result of a completed (or failed) pipeline run:
// the events it produced plus the ctx/iter state as of the last patch
// applied, for the Step/Iteration Runner to fold into its own scope.
type PipelineOutput struct {
	Status    PipelineStatus
	Events    []event.Event
	FinalCtx  value.Value
	FinalIter value.Value
	// Result is the last completed task's outcome result (a ref-kind
	// Value when it was externalized), carried up so step.done can
	// record the step's aggregate last_result_ref.
	Result value.Value
}

// RunPipeline is the pipeline's program-counter loop: resolve the task
// at pc, render, invoke, evaluate policy, apply the directive, repeat
// until break/fail/end of list. A non-nil error return means the pipeline never reached a
// terminal disposition at all (context cancellation, an unresolvable
// jump target, a driver wiring error) — distinct from PipelineFailed,
// which is a normal "fail" directive outcome.
func RunPipeline(ctx context.Context, in PipelineInput) (PipelineOutput, error) {
	eval := in.Eval
	if eval == nil {
		eval = template.Default
	}

	labelIndex := make(map[string]int, len(in.Tasks))
	for i, t := range in.Tasks {
		labelIndex[t.Label] = i
	}

	iter := in.Iter
	if iter.IsNull() {
		iter = value.Map(nil)
	}
	ctxVal := in.Ctx
	if ctxVal.IsNull() {
		ctxVal = value.Map(nil)
	}
	prev := value.Null

	out := PipelineOutput{Status: PipelineFailed, FinalCtx: ctxVal, FinalIter: iter}
	pcEpoch := 0
	attempts := map[string]int{}

	pc := 0
	for pc < len(in.Tasks) {
		if err := ctx.Err(); err != nil {
			out.FinalCtx, out.FinalIter = ctxVal, iter
			return out, err
		}

		task := in.Tasks[pc]
		actionID := ComputeActionID(in.ExecutionID, in.StepRunID, in.IterationID, task.Label, pcEpoch)
		attempt := attempts[actionID] + 1
		scope := buildScope(in, ctxVal, iter, prev, task.Label, attempt)

		cfg, err := renderCfg(task, scope, eval)
		if err != nil {
			templateErr := NewEngineError(CodeTemplate, "render task config", err)
			out.Events = append(out.Events, taskEvent(in, actionID, task, event.NameTaskFailed, event.StatusFailed, attempt,
				value.Map(map[string]value.Value{"error": value.Str(templateErr.Error()), "error_kind": value.Str(string(CodeTemplate))})))
			out.FinalCtx, out.FinalIter = ctxVal, iter
			return out, nil
		}

		out.Events = append(out.Events, taskEvent(in, actionID, task, event.NameTaskStarted, event.StatusRunning, attempt, value.Null))

		taskCtx := ctx
		timeout := in.DefaultTaskTimeout
		if task.Spec.TimeoutMS > 0 {
			timeout = time.Duration(task.Spec.TimeoutMS) * time.Millisecond
		}
		var cancel context.CancelFunc
		if timeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		started := time.Now()
		oc, execErr := in.Registry.Execute(taskCtx, task.Kind, cfg, scope)
		duration := time.Since(started)
		if cancel != nil {
			cancel()
		}
		if execErr != nil {
			switch {
			case errors.Is(execErr, context.DeadlineExceeded):
				// A task that blew its timeout still reaches the Task
				// Policy Evaluator as a retryable Outcome instead of
				// aborting the whole pipeline.
				oc = outcome.Fail(outcome.Error{
					Kind: "timeout", Retryable: true,
					Message: NewEngineError(CodeTimeout, "task exceeded its timeout", execErr).Error(),
				}, outcome.Meta{Attempt: attempt, DurationMS: duration.Milliseconds(), Ts: time.Now()})
			case errors.Is(execErr, context.Canceled):
				out.FinalCtx, out.FinalIter = ctxVal, iter
				return out, NewEngineError(CodeCancelled, "task execution cancelled", execErr)
			default:
				out.FinalCtx, out.FinalIter = ctxVal, iter
				return out, NewEngineError(CodeTool, "tool driver execution failed", execErr)
			}
		}

		if in.Resource != nil {
			in.Resource.RecordTask(actionID, task.Label, attempt, duration, externalizedBytes(oc))
			if usage, ok := llmUsage(oc); ok {
				in.Resource.RecordLLMCall(usage.provider, usage.model, usage.inputTokens, usage.outputTokens)
			}
		}
		if in.Metrics != nil {
			in.Metrics.RecordTaskLatency(in.ExecutionID, task.Label, duration, string(oc.Status))
			if oc.Ref != nil {
				in.Metrics.IncrementExternalizedRefs(in.ExecutionID, task.Label)
			}
		}

		doneName := event.NameTaskDone
		doneStatus := event.StatusDone
		if !oc.IsOK() {
			doneName = event.NameTaskFailed
			doneStatus = event.StatusFailed
		}
		out.Events = append(out.Events, taskEvent(in, actionID, task, doneName, doneStatus, attempt, outcomePayload(oc)))

		curOutcome := outcomeScope(oc, task.Kind)
		policyScope := buildScope(in, ctxVal, iter, curOutcome, task.Label, attempt)

		directive, err := Evaluate(task.Spec.Policy, oc, eval, policyScope, attempts[actionID])
		if err != nil {
			out.FinalCtx, out.FinalIter = ctxVal, iter
			return out, err
		}

		if len(directive.SetCtx) > 0 {
			patch := make(map[string]value.Value, len(directive.SetCtx))
			for k, v := range directive.SetCtx {
				patch[k] = v
			}
			ctxVal = ctxVal.Merge(value.Map(patch))
			// The event's EntityID is the patch's writer: the iteration
			// when this pipeline runs inside a loop, the step run
			// otherwise. The Projector's reject-on-conflict rule keys on
			// this identity, so sibling iterations of one step run are
			// distinct writers while a retry within one iteration is
			// the same writer re-patching.
			writerID := in.IterationID
			entityType := "iteration"
			if writerID == "" {
				writerID = in.StepRunID
				entityType = "step_run"
			}
			out.Events = append(out.Events, event.Event{
				EventID:     ComputeEventID(actionID, event.NameCtxPatched, fmt.Sprintf("%d", attempt), fmt.Sprintf("%d", pcEpoch)),
				ExecutionID: in.ExecutionID,
				Name:        event.NameCtxPatched,
				EntityType:  entityType,
				EntityID:    writerID,
				ParentID:    in.StepRunID,
				Status:      event.StatusDone,
				Payload:     value.Map(map[string]value.Value{"patch": value.Map(patch)}),
			})
		}
		if len(directive.SetIter) > 0 {
			for k, v := range directive.SetIter {
				iter = iter.With(k, v)
			}
		}

		switch directive.Do {
		case DoContinue:
			// _prev/outcome only carries forward into the next task's
			// scope on a continue directive — a retry must see the
			// _prev that was current before this failing attempt, not
			// the failing attempt's own Outcome.
			prev = curOutcome
			out.Result = oc.ResultValue()
			pc++
		case DoRetry:
			attempts[actionID] = directive.Attempt
			if in.Metrics != nil {
				in.Metrics.IncrementRetries(in.ExecutionID, task.Label, string(oc.Status))
			}
			select {
			case <-time.After(directive.Delay):
			case <-ctx.Done():
				out.FinalCtx, out.FinalIter = ctxVal, iter
				return out, ctx.Err()
			}
		case DoJump:
			target, ok := labelIndex[directive.To]
			if !ok {
				out.FinalCtx, out.FinalIter = ctxVal, iter
				return out, fmt.Errorf("%w: %s", ErrJumpTargetUnknown, directive.To)
			}
			pc = target
			pcEpoch++
		case DoBreak:
			out.Status = PipelineSuccess
			out.Result = oc.ResultValue()
			out.FinalCtx, out.FinalIter = ctxVal, iter
			return out, nil
		case DoFail:
			out.FinalCtx, out.FinalIter = ctxVal, iter
			return out, nil
		default:
			out.FinalCtx, out.FinalIter = ctxVal, iter
			return out, fmt.Errorf("engine: unknown policy directive %q", directive.Do)
		}
	}

	out.Status = PipelineSuccess
	out.FinalCtx, out.FinalIter = ctxVal, iter
	return out, nil
}

// buildScope assembles the workload/ctx/iter/args/keychain/_prev/_task/
// _attempt scope the Template Evaluator and Task Policy Evaluator read
// from: taskLabel is the label of the task about to run (or that just
// ran), and attempt is its 1-based attempt number on the current
// action_id.
func buildScope(in PipelineInput, ctxVal, iter, prev value.Value, taskLabel string, attempt int) value.Value {
	return value.Map(map[string]value.Value{
		"workload": in.Workload,
		"ctx":      ctxVal,
		"iter":     iter,
		"args":     in.Args,
		"keychain": in.Keychain,
		"_prev":    prev,
		"outcome":  prev,
		"_task":    value.Str(taskLabel),
		"_attempt": value.Int(int64(attempt)),
	})
}

// renderCfg merges a task's Extra (kind-specific) and Args fields and
// renders every string leaf's "{{ }}" placeholders against scope,
// producing the cfg map handed to the tool.Driver.
func renderCfg(task playbook.Task, scope value.Value, eval template.Evaluator) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(task.Args)+len(task.Extra))
	for k, v := range task.Extra {
		merged[k] = v
	}
	for k, v := range task.Args {
		merged[k] = v
	}
	rendered, err := renderAny(merged, scope, eval)
	if err != nil {
		return nil, err
	}
	out, _ := rendered.(map[string]interface{})
	return out, nil
}

func renderAny(raw interface{}, scope value.Value, eval template.Evaluator) (interface{}, error) {
	switch v := raw.(type) {
	case string:
		return eval.Render(v, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, vv := range v {
			r, err := renderAny(vv, scope, eval)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, vv := range v {
			r, err := renderAny(vv, scope, eval)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// outcomeScope nests an Outcome's kind-specific block under kind (e.g.
// outcome.http.status) and flattens its result (or error) into the
// value.Value the policy rules address as `outcome.*`:
// a tool kind's block only ever means one thing (http.status is always
// an HTTP status code), which nesting under kind's own name preserves;
// flattening it onto the top level would silently collide across kinds
// that happen to reuse a field name.
func outcomeScope(oc outcome.Outcome, kind string) value.Value {
	m := map[string]value.Value{"ok": value.Bool(oc.IsOK())}
	if len(oc.Kind) > 0 {
		m[kind] = value.Map(oc.Kind)
	}
	if oc.IsOK() {
		res := oc.ResultValue()
		if res.Kind == value.KindMap {
			for k, v := range res.M {
				m[k] = v
			}
		}
		m["result"] = res
	} else if oc.Error != nil {
		m["error"] = value.Str(oc.Error.Message)
		m["error_kind"] = value.Str(oc.Error.Kind)
		m["retryable"] = value.Bool(oc.Error.Retryable)
	}
	return value.Map(m)
}

// outcomePayload builds a task.done/task.failed event payload from an
// Outcome, preferring a ResultRef over an inline result so oversized
// payloads never land in the event stream.
func outcomePayload(oc outcome.Outcome) value.Value {
	m := map[string]value.Value{}
	if oc.Ref != nil {
		m["ref"] = oc.Ref.Value()
	} else if oc.IsOK() {
		m["result"] = oc.Result
	}
	if oc.Error != nil {
		m["error"] = value.Str(oc.Error.Message)
		m["retryable"] = value.Bool(oc.Error.Retryable)
	}
	return value.Map(m)
}

func taskEvent(in PipelineInput, actionID string, task playbook.Task, name string, status event.Status, attempt int, payload value.Value) event.Event {
	base := map[string]value.Value{
		"step":  value.Str(in.Step),
		"label": value.Str(task.Label),
		"kind":  value.Str(task.Kind),
	}
	if !payload.IsNull() {
		for k, v := range payload.M {
			base[k] = v
		}
	}
	return event.Event{
		EventID:     ComputeEventID(actionID, name, fmt.Sprintf("%d", attempt)),
		ExecutionID: in.ExecutionID,
		Name:        name,
		EntityType:  "task",
		EntityID:    actionID,
		ParentID:    in.StepRunID,
		Status:      status,
		Attempt:     attempt,
		Payload:     value.Map(base),
	}
}

// llmUsageInfo is the token-usage fields an "llm" outcome's kind block
// reports for resource accounting.
type llmUsageInfo struct {
	provider     string
	model        string
	inputTokens  int
	outputTokens int
}

// llmUsage extracts token usage from an Outcome's kind block when the
// producing driver reported it (the llm driver does; other kinds have
// no token notion and are skipped).
func llmUsage(oc outcome.Outcome) (llmUsageInfo, bool) {
	if oc.Kind == nil {
		return llmUsageInfo{}, false
	}
	in, ok := oc.Kind["input_tokens"]
	if !ok {
		return llmUsageInfo{}, false
	}
	return llmUsageInfo{
		provider:     oc.Kind["provider"].S,
		model:        oc.Kind["model"].S,
		inputTokens:  int(in.I),
		outputTokens: int(oc.Kind["output_tokens"].I),
	}, true
}

// externalizedBytes returns the byte size an Outcome's result was
// externalized to, for ResourceTracker.RecordTask's accounting, or zero
// when the result stayed inline.
func externalizedBytes(oc outcome.Outcome) int64 {
	if oc.Ref != nil {
		return oc.Ref.Size
	}
	return 0
}
