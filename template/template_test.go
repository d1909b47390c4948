package template

import (
	"testing"

	"github.com/noetl/noetl/value"
)

func TestRenderInterpolation(t *testing.T) {
	sc := value.Map(map[string]value.Value{
		"name": value.Str("world"),
	})
	out, err := Default.Render("hello {{ name }}!", sc)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "hello world!" {
		t.Fatalf("got %q", out)
	}
}

func TestEvalBoolComparison(t *testing.T) {
	sc := value.Map(map[string]value.Value{
		"status": value.Str("ok"),
		"count":  value.Int(5),
	})
	ok, err := Default.EvalBool(`status == 'ok' and count > 3`, sc)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("expected true")
	}
}

func TestEvalBoolIn(t *testing.T) {
	sc := value.Map(map[string]value.Value{
		"status": value.Str("retry"),
	})
	ok, err := Default.EvalBool(`status in ['retry', 'pending']`, sc)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("expected true")
	}
}

func TestEvalDefault(t *testing.T) {
	sc := value.Map(map[string]value.Value{})
	v, err := Default.Eval(`missing | default(7)`, sc)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v.I != 7 {
		t.Fatalf("expected default 7, got %+v", v)
	}
}

func TestEvalNestedAttribute(t *testing.T) {
	sc := value.Map(map[string]value.Value{
		"ctx": value.Map(map[string]value.Value{
			"nested": value.Map(map[string]value.Value{
				"flag": value.Bool(true),
			}),
		}),
	})
	ok, err := Default.EvalBool(`ctx.nested.flag`, sc)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !ok {
		t.Fatalf("expected true")
	}
}

func TestArithmetic(t *testing.T) {
	sc := value.Map(map[string]value.Value{
		"n": value.Int(10),
	})
	v, err := Default.Eval(`(n + 2) * 3`, sc)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v.I != 36 {
		t.Fatalf("expected 36, got %+v", v)
	}
}
