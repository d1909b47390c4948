package value

import (
	"encoding/json"
	"testing"
)

func TestMergeDeep(t *testing.T) {
	base := Map(map[string]Value{
		"a": Int(1),
		"nested": Map(map[string]Value{
			"x": Str("old"),
			"y": Int(2),
		}),
	})
	patch := Map(map[string]Value{
		"nested": Map(map[string]Value{
			"x": Str("new"),
		}),
		"b": Bool(true),
	})

	merged := base.Merge(patch)

	if merged.Get("a").I != 1 {
		t.Fatalf("expected a=1 preserved, got %+v", merged.Get("a"))
	}
	if merged.Get("b").B != true {
		t.Fatalf("expected b=true added, got %+v", merged.Get("b"))
	}
	nested := merged.Get("nested")
	if nested.Get("x").S != "new" {
		t.Fatalf("expected nested.x overwritten, got %+v", nested.Get("x"))
	}
	if nested.Get("y").I != 2 {
		t.Fatalf("expected nested.y preserved, got %+v", nested.Get("y"))
	}

	// base must be untouched (merge is non-mutating)
	if base.Get("nested").Get("x").S != "old" {
		t.Fatalf("Merge must not mutate receiver")
	}
}

func TestDeepCopyIsolation(t *testing.T) {
	orig := Map(map[string]Value{
		"list": List(Int(1), Int(2)),
	})
	cp := orig.DeepCopy()

	cp.M["list"].L[0] = Int(99)
	if orig.Get("list").L[0].I == 99 {
		t.Fatalf("DeepCopy must not alias underlying slices")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	v := Map(map[string]Value{
		"n":    Int(42),
		"f":    Float(3.5),
		"s":    Str("hi"),
		"b":    Bool(true),
		"nil":  Null,
		"list": List(Int(1), Str("two")),
	})

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var round Value
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !Equal(v, round) {
		t.Fatalf("round trip mismatch: %+v vs %+v", v, round)
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{Null, false},
		{Bool(false), false},
		{Bool(true), true},
		{Int(0), false},
		{Int(1), true},
		{Str(""), false},
		{Str("x"), true},
		{List(), false},
		{List(Int(1)), true},
	}
	for _, c := range cases {
		if got := c.v.Truthy(); got != c.want {
			t.Errorf("Truthy(%+v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestFromAnyYAMLShapes(t *testing.T) {
	// yaml.v2 decodes numbers as int and nested mappings as
	// map[interface{}]interface{}; both must survive conversion.
	raw := map[string]interface{}{
		"limit": 10,
		"nested": map[interface{}]interface{}{
			"name":  "svc",
			"depth": int64(2),
		},
	}
	v := FromAny(raw)
	if v.Get("limit").I != 10 {
		t.Fatalf("expected limit=10, got %+v", v.Get("limit"))
	}
	if v.Get("nested").Get("name").S != "svc" {
		t.Fatalf("expected nested.name=svc, got %+v", v.Get("nested").Get("name"))
	}
	if v.Get("nested").Get("depth").I != 2 {
		t.Fatalf("expected nested.depth=2, got %+v", v.Get("nested").Get("depth"))
	}
}
