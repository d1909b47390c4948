package engine

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/value"
)

// DoKind enumerates the directives a policy rule (or admission rule) can
// produce.
type DoKind string

const (
	DoContinue DoKind = "continue"
	DoRetry    DoKind = "retry"
	DoJump     DoKind = "jump"
	DoBreak    DoKind = "break"
	DoFail     DoKind = "fail"
)

// BackoffMode selects how Directive.Delay grows across retry attempts.
type BackoffMode string

const (
	BackoffNone        BackoffMode = "none"
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// Directive is the Task Policy Evaluator's single output: what the
// Pipeline Runner should do next, plus any scoped patches to apply.
// A first-class value so pipeline.go has one thing to switch on instead
// of re-deriving the decision from the raw rule.
type Directive struct {
	Do      DoKind
	To      string // jump target label
	Attempt int    // current attempt number (1-based) when Do == DoRetry
	Delay   time.Duration
	SetIter map[string]value.Value
	SetCtx  map[string]value.Value
}

// EvalRules runs the ordered when/then rule list against scope,
// returning the first truthy match's Then clause, or ok=false if none
// matched (the caller applies its own default). Shared by the Task
// Policy Evaluator (task.spec.policy.rules) and the Admission Gate
// (step.spec.policy.admit.rules).
// A broken `when` expression is a template error, not a
// non-match: EvalRules stops and surfaces it rather than silently
// falling through to a later rule or the caller's default, the same
// way router.go's arcTruthy refuses to treat a bad `when` as falsy.
func EvalRules[T any](rules []ruleLike[T], eval template.Evaluator, scope value.Value) (T, bool, error) {
	var zero T
	for _, r := range rules {
		if r.When == "" {
			return r.Then, true, nil
		}
		truthy, err := eval.EvalBool(r.When, scope)
		if err != nil {
			return zero, false, NewEngineError(CodeTemplate, "evaluate policy rule when-expression", err)
		}
		if truthy {
			return r.Then, true, nil
		}
	}
	return zero, false, nil
}

// ruleLike abstracts over playbook.PolicyRule and playbook.AdmitRule,
// both of which share the When/Then shape but carry different Then
// payload types.
type ruleLike[T any] struct {
	When string
	Then T
}

// Evaluate runs the Task Policy Evaluator's algorithm against an
// Outcome and the current evaluation scope (ctx/workload/iter/_prev/
// _attempt), returning the Directive the Pipeline Runner must act on.
// attemptSoFar is the number of attempts made on the current action_id
// before the one whose outcome is being evaluated (0 for the first
// attempt).
func Evaluate(policy playbook.TaskPolicy, oc outcome.Outcome, eval template.Evaluator, scope value.Value, attemptSoFar int) (Directive, error) {
	rules := make([]ruleLike[playbook.PolicyThen], 0, len(policy.Rules))
	for _, r := range policy.Rules {
		rules = append(rules, ruleLike[playbook.PolicyThen]{When: r.When, Then: r.Then})
	}

	then, matched, err := EvalRules(rules, eval, scope)
	if err != nil {
		return Directive{}, err
	}
	if !matched {
		// No rule selected: continue on ok, fail on error.
		if oc.IsOK() {
			return Directive{Do: DoContinue}, nil
		}
		return Directive{Do: DoFail}, nil
	}

	return directiveFromThen(then, attemptSoFar, scope, eval)
}

// EvaluateAdmission runs the Admission Gate's rule list (step.spec.
// policy.admit.rules), returning whether the step run is admitted. A
// step with no admit rules is always admitted.
func EvaluateAdmission(policy playbook.AdmitPolicy, eval template.Evaluator, scope value.Value) (bool, error) {
	if len(policy.Admit.Rules) == 0 {
		return true, nil
	}
	rules := make([]ruleLike[playbook.AdmitThen], 0, len(policy.Admit.Rules))
	for _, r := range policy.Admit.Rules {
		rules = append(rules, ruleLike[playbook.AdmitThen]{When: r.When, Then: r.Then})
	}
	then, matched, err := EvalRules(rules, eval, scope)
	if err != nil {
		return false, err
	}
	if !matched {
		return false, nil
	}
	return then.Do != "deny", nil
}

func directiveFromThen(then playbook.PolicyThen, attemptSoFar int, scope value.Value, eval template.Evaluator) (Directive, error) {
	d := Directive{Do: DoKind(then.Do), To: then.To}

	if d.Do == DoRetry {
		d.Attempt = attemptSoFar + 1
		if then.Attempts > 0 && d.Attempt > then.Attempts {
			return Directive{Do: DoFail}, nil
		}
		d.Delay = computeBackoff(BackoffMode(then.Backoff), d.Attempt, time.Duration(then.DelayMS)*time.Millisecond)
	}

	if len(then.SetIter) > 0 {
		patch, err := resolvePatchMap(then.SetIter, scope, eval)
		if err != nil {
			return Directive{}, err
		}
		d.SetIter = patch
	}
	if len(then.SetCtx) > 0 {
		patch, err := resolvePatchMap(then.SetCtx, scope, eval)
		if err != nil {
			return Directive{}, err
		}
		d.SetCtx = patch
	}

	return d, nil
}

// resolvePatchMap evaluates each set_iter/set_ctx value expression
// (e.g. "iter.page+1") against scope, producing concrete values the
// Projector will later apply. A broken expression must fail the task
// rather than silently patch ctx/iter with its own literal source text —
// a mistyped "iter.page+1" masked this way would poison every later
// task's scope with a string where a number belongs.
func resolvePatchMap(exprs map[string]string, scope value.Value, eval template.Evaluator) (map[string]value.Value, error) {
	out := make(map[string]value.Value, len(exprs))
	if eval == nil {
		eval = template.Default
	}
	for k, expr := range exprs {
		v, err := eval.Eval(expr, scope)
		if err != nil {
			return nil, NewEngineError(CodeTemplate, fmt.Sprintf("evaluate patch expression %q", k), err)
		}
		out[k] = v
	}
	return out, nil
}

// computeBackoff turns a retry rule's backoff mode and base delay into
// the wait before the next attempt.
//
// attempt is 1-based (the number of the attempt that just ran, so 1 for
// the first retry). delay is the
// playbook-declared base delay (then.delay_ms).
func computeBackoff(mode BackoffMode, attempt int, delay time.Duration) time.Duration {
	switch mode {
	case BackoffLinear:
		return delay * time.Duration(attempt)
	case BackoffExponential:
		if attempt < 1 {
			attempt = 1
		}
		return delay * time.Duration(1<<uint(attempt-1))
	case BackoffNone, "":
		return delay
	default:
		return delay
	}
}

// jitter adds a bounded random component to a computed backoff delay,
// for callers that would otherwise retry in lockstep. Evaluate itself
// keeps delays deterministic; drivers that want a jitter window apply
// this on top.
func jitter(base time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return time.Duration(rng.Int63n(int64(base)))
}
