package engine

import (
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/value"
)

// Route evaluates a terminal step's next.arcs under next.spec.mode and
// returns the Tokens to place for the arcs that fire. scope is
// the routing evaluation context built by the caller from event,
// workload, ctx, and the arriving step's result summary; each arc's own
// `args` template is rendered against scope plus args.
//
// exclusive (default): the first arc whose `when` is truthy (or absent,
// which counts as true) fires; at most one arc fires.
// inclusive: every arc whose `when` is truthy fires.
func Route(next *playbook.Next, scope value.Value, eval template.Evaluator) ([]RoutedArc, error) {
	if next == nil || len(next.Arcs) == 0 {
		return nil, nil
	}

	mode := next.Spec.Mode
	if mode == "" {
		mode = playbook.ModeExclusive
	}

	switch mode {
	case playbook.ModeInclusive:
		return routeInclusive(next.Arcs, scope, eval)
	default:
		return routeExclusive(next.Arcs, scope, eval)
	}
}

// RoutedArc pairs a fired Arc with its resolved args, ready for token
// construction by the caller (which knows the execution_id/order-key
// inputs Route itself has no business computing).
type RoutedArc struct {
	Arc  playbook.Arc
	Args value.Value
}

func routeExclusive(arcs []playbook.Arc, scope value.Value, eval template.Evaluator) ([]RoutedArc, error) {
	for _, arc := range arcs {
		truthy, err := arcTruthy(arc, scope, eval)
		if err != nil {
			return nil, err
		}
		if truthy {
			args, err := resolveArcArgs(arc, scope, eval)
			if err != nil {
				return nil, err
			}
			return []RoutedArc{{Arc: arc, Args: args}}, nil
		}
	}
	return nil, nil
}

func routeInclusive(arcs []playbook.Arc, scope value.Value, eval template.Evaluator) ([]RoutedArc, error) {
	var fired []RoutedArc
	for _, arc := range arcs {
		truthy, err := arcTruthy(arc, scope, eval)
		if err != nil {
			return nil, err
		}
		if !truthy {
			continue
		}
		args, err := resolveArcArgs(arc, scope, eval)
		if err != nil {
			return nil, err
		}
		fired = append(fired, RoutedArc{Arc: arc, Args: args})
	}
	return fired, nil
}

// arcTruthy evaluates an arc's `when` guard; an omitted `when` counts as
// true.
func arcTruthy(arc playbook.Arc, scope value.Value, eval template.Evaluator) (bool, error) {
	if arc.When == "" {
		return true, nil
	}
	return eval.EvalBool(arc.When, scope)
}

// resolveArcArgs renders each entry of arc.Args (which may itself
// contain "{{ }}" template placeholders) against scope.
func resolveArcArgs(arc playbook.Arc, scope value.Value, eval template.Evaluator) (value.Value, error) {
	if len(arc.Args) == 0 {
		return value.Map(nil), nil
	}
	out := make(map[string]value.Value, len(arc.Args))
	for k, raw := range arc.Args {
		v := value.FromAny(raw)
		if v.Kind == value.KindString {
			rendered, err := eval.Render(v.S, scope)
			if err != nil {
				return value.Null, err
			}
			v = value.Str(rendered)
		}
		out[k] = v
	}
	return value.Map(out), nil
}
