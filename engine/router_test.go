package engine

import (
	"testing"

	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/value"
)

// TestRouteExclusiveFirstMatch: arcs to hot/cold/
// default, exactly one fires (hot), in arc order.
func TestRouteExclusiveFirstMatch(t *testing.T) {
	next := &playbook.Next{
		Spec: playbook.NextSpec{Mode: playbook.ModeExclusive},
		Arcs: []playbook.Arc{
			{Step: "hot", When: `ctx.priority == "high"`},
			{Step: "cold", When: `ctx.priority == "low"`},
			{Step: "default"},
		},
	}
	scope := value.Map(map[string]value.Value{
		"ctx": value.Map(map[string]value.Value{"priority": value.Str("high")}),
	})

	fired, err := Route(next, scope, template.Default)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(fired) != 1 || fired[0].Arc.Step != "hot" {
		t.Fatalf("expected exactly [hot], got %+v", fired)
	}
}

func TestRouteExclusiveFallsThroughToDefault(t *testing.T) {
	next := &playbook.Next{
		Arcs: []playbook.Arc{
			{Step: "hot", When: `ctx.priority == "high"`},
			{Step: "cold", When: `ctx.priority == "low"`},
			{Step: "default"},
		},
	}
	scope := value.Map(map[string]value.Value{
		"ctx": value.Map(map[string]value.Value{"priority": value.Str("medium")}),
	})

	fired, err := Route(next, scope, template.Default)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(fired) != 1 || fired[0].Arc.Step != "default" {
		t.Fatalf("expected exactly [default], got %+v", fired)
	}
}

// TestRouteInclusiveFansOutAllTruthyArcs: a fork step with two
// unguarded arcs fires both.
func TestRouteInclusiveFansOutAllTruthyArcs(t *testing.T) {
	next := &playbook.Next{
		Spec: playbook.NextSpec{Mode: playbook.ModeInclusive},
		Arcs: []playbook.Arc{
			{Step: "A"},
			{Step: "B"},
		},
	}

	fired, err := Route(next, value.Map(nil), template.Default)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(fired) != 2 {
		t.Fatalf("expected both arcs to fire, got %+v", fired)
	}
}

func TestRouteInclusiveSkipsFalseArcs(t *testing.T) {
	next := &playbook.Next{
		Spec: playbook.NextSpec{Mode: playbook.ModeInclusive},
		Arcs: []playbook.Arc{
			{Step: "A", When: "ctx.a_ready"},
			{Step: "B", When: "ctx.b_ready"},
		},
	}
	scope := value.Map(map[string]value.Value{
		"ctx": value.Map(map[string]value.Value{"a_ready": value.Bool(true), "b_ready": value.Bool(false)}),
	})

	fired, err := Route(next, scope, template.Default)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(fired) != 1 || fired[0].Arc.Step != "A" {
		t.Fatalf("expected only [A], got %+v", fired)
	}
}

func TestRouteResolvesArcArgsTemplate(t *testing.T) {
	next := &playbook.Next{
		Arcs: []playbook.Arc{
			{Step: "next_step", Args: map[string]interface{}{"greeting": "hello {{ ctx.name }}"}},
		},
	}
	scope := value.Map(map[string]value.Value{
		"ctx": value.Map(map[string]value.Value{"name": value.Str("world")}),
	})

	fired, err := Route(next, scope, template.Default)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("expected one arc fired, got %+v", fired)
	}
	if got := fired[0].Args.Get("greeting").S; got != "hello world" {
		t.Fatalf("expected rendered greeting, got %q", got)
	}
}

func TestRouteNilNextReturnsNoArcs(t *testing.T) {
	fired, err := Route(nil, value.Map(nil), template.Default)
	if err != nil || fired != nil {
		t.Fatalf("expected nil/nil for a terminal step with no next, got %+v, %v", fired, err)
	}
}
