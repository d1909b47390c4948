// Package template implements the engine's expression and string
// interpolation contract: rendering "{{ expr }}" placeholders against a
// scope Value, and evaluating boolean guard expressions for routing arcs
// and task policy rules.
//
// No expression-language dependency appears anywhere in the retrieval
// pack, so this ships as a small hand-rolled recursive-descent evaluator
// over the operator set named by the spec: and/or/not, comparisons, in,
// attribute access via '.', the `| default` filter, and integer
// arithmetic. See DESIGN.md for the stdlib-only justification.
package template

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/noetl/noetl/value"
)

// Evaluator renders templates and evaluates guard expressions against a
// runtime scope. The scope Value is always a KindMap built by the engine
// from the current workload/ctx/iter/args precedence chain.
type Evaluator interface {
	// Render replaces every "{{ expr }}" placeholder in tmpl with the
	// string form of expr evaluated against scope. Text outside
	// placeholders passes through unchanged.
	Render(tmpl string, scope value.Value) (string, error)

	// EvalBool evaluates expr as a boolean guard, coercing the result via
	// value.Value.Truthy semantics.
	EvalBool(expr string, scope value.Value) (bool, error)

	// Eval evaluates expr and returns the raw resulting Value, used by
	// task argument binding where a non-string result is wanted (e.g. a
	// list or map literal built from scope data).
	Eval(expr string, scope value.Value) (value.Value, error)
}

// Default is the evaluator used when a playbook does not override it.
var Default Evaluator = &exprEvaluator{}

type exprEvaluator struct{}

func (e *exprEvaluator) Render(tmpl string, scope value.Value) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "{{")
		if start < 0 {
			out.WriteString(tmpl[i:])
			break
		}
		out.WriteString(tmpl[i : i+start])
		rest := tmpl[i+start+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return "", fmt.Errorf("template: unterminated placeholder at offset %d", i+start)
		}
		expr := strings.TrimSpace(rest[:end])
		val, err := e.Eval(expr, scope)
		if err != nil {
			return "", fmt.Errorf("template: %w", err)
		}
		out.WriteString(stringify(val))
		i = i + start + 2 + end + 2
	}
	return out.String(), nil
}

func (e *exprEvaluator) EvalBool(expr string, scope value.Value) (bool, error) {
	v, err := e.Eval(expr, scope)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

func (e *exprEvaluator) Eval(expr string, scope value.Value) (value.Value, error) {
	p := &parser{toks: tokenize(expr), scope: scope}
	v, err := p.parseOr()
	if err != nil {
		return value.Null, err
	}
	if !p.atEnd() {
		return value.Null, fmt.Errorf("unexpected trailing input %q", p.rest())
	}
	return v, nil
}

func stringify(v value.Value) string {
	switch v.Kind {
	case value.KindNull:
		return ""
	case value.KindString:
		return v.S
	case value.KindBool:
		if v.B {
			return "true"
		}
		return "false"
	case value.KindInt:
		return strconv.FormatInt(v.I, 10)
	case value.KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v.ToAny())
	}
}
