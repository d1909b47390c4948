// Package value provides a tagged JSON-like value type shared across the
// engine's runtime scopes (workload, ctx, iter, args, outcome.result).
//
// Nodes of the control and data plane never pass around concrete Go types
// for workflow data: everything a playbook can produce or consume is a
// Value. This keeps merges, deep copies, and JSON persistence uniform
// across the whole engine.
package value

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies the concrete shape held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
	KindRef
)

// Value is a tagged union over the value shapes a playbook's templates,
// policies, and tool drivers can produce: null, bool, int, float, string,
// ordered list, and string-keyed map. KindRef holds a ResultRef-shaped
// map reserved for oversized results (see outcome.ResultRef) — it is
// structurally a map but tagged distinctly so callers can cheaply tell a
// reference apart from ordinary data without inspecting keys.
type Value struct {
	Kind Kind
	B    bool
	I    int64
	F    float64
	S    string
	L    []Value
	M    map[string]Value
}

// Null is the canonical empty value.
var Null = Value{Kind: KindNull}

func Bool(b bool) Value    { return Value{Kind: KindBool, B: b} }
func Int(i int64) Value    { return Value{Kind: KindInt, I: i} }
func Float(f float64) Value { return Value{Kind: KindFloat, F: f} }
func Str(s string) Value   { return Value{Kind: KindString, S: s} }

func List(items ...Value) Value {
	return Value{Kind: KindList, L: items}
}

func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{Kind: KindMap, M: m}
}

// Ref wraps a map as a reference-kind value (used by outcome.ResultRef's
// Value() method; see outcome package).
func Ref(m map[string]Value) Value {
	return Value{Kind: KindRef, M: m}
}

// IsNull reports whether v is the null value (zero-value Values are null
// too, so callers can compare a missing lookup directly).
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Truthy implements the template evaluator's notion of boolean coercion:
// false/0/0.0/""/null/empty-list/empty-map are falsy, everything else is
// truthy.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindNull:
		return false
	case KindBool:
		return v.B
	case KindInt:
		return v.I != 0
	case KindFloat:
		return v.F != 0
	case KindString:
		return v.S != ""
	case KindList:
		return len(v.L) > 0
	case KindMap, KindRef:
		return len(v.M) > 0
	default:
		return false
	}
}

// Get looks up a single key against a map value, returning Null if the
// key is missing or the value isn't a map; a dotted path (a.b.c) takes
// one Get per segment. This is the attribute-access primitive the
// template evaluator's `.` operator and the engine's scope-precedence
// lookups build on.
func (v Value) Get(key string) Value {
	if v.Kind != KindMap && v.Kind != KindRef {
		return Null
	}
	if val, ok := v.M[key]; ok {
		return val
	}
	return Null
}

// With returns a shallow-copied map value with key set to val. The
// receiver is never mutated; this is the building block for ctx/iter
// patch application.
func (v Value) With(key string, val Value) Value {
	out := make(map[string]Value, len(v.M)+1)
	for k, vv := range v.M {
		out[k] = vv
	}
	out[key] = val
	return Map(out)
}

// DeepCopy returns a structurally independent copy of v. Lists and maps
// are copied recursively; scalars are copied by value. Used for per-
// iteration isolation (parallel loops) and for snapshotting state before
// patch application.
func (v Value) DeepCopy() Value {
	switch v.Kind {
	case KindList:
		out := make([]Value, len(v.L))
		for i, e := range v.L {
			out[i] = e.DeepCopy()
		}
		return Value{Kind: KindList, L: out}
	case KindMap, KindRef:
		out := make(map[string]Value, len(v.M))
		for k, e := range v.M {
			out[k] = e.DeepCopy()
		}
		return Value{Kind: v.Kind, M: out}
	default:
		return v
	}
}

// Merge deep-merges patch into v: map keys are merged recursively, any
// other kind in patch replaces the corresponding value in v outright.
// This implements the "last write wins per leaf" semantics used by
// set_ctx/set_iter patches.
func (v Value) Merge(patch Value) Value {
	if patch.Kind == KindNull {
		return v
	}
	if v.Kind != KindMap || patch.Kind != KindMap {
		return patch
	}
	out := make(map[string]Value, len(v.M)+len(patch.M))
	for k, vv := range v.M {
		out[k] = vv
	}
	for k, pv := range patch.M {
		if existing, ok := out[k]; ok {
			out[k] = existing.Merge(pv)
		} else {
			out[k] = pv
		}
	}
	return Map(out)
}

// MarshalJSON implements json.Marshaler so Value round-trips through
// event payloads and store persistence exactly like any other Go value.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.B)
	case KindInt:
		return json.Marshal(v.I)
	case KindFloat:
		return json.Marshal(v.F)
	case KindString:
		return json.Marshal(v.S)
	case KindList:
		return json.Marshal(v.L)
	case KindMap, KindRef:
		return json.Marshal(v.M)
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler, inferring Kind from the JSON
// token shape. Whole numbers decode as KindInt, everything else numeric
// as KindFloat.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// FromAny converts a generic decoded tree into a Value. It accepts both
// the shapes encoding/json produces (float64 numbers,
// map[string]interface{}) and the shapes yaml.v2 produces for playbook
// workload/args data (int numbers, map[interface{}]interface{} for
// nested mappings).
func FromAny(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float32:
		return Float(float64(t))
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return Float(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i)
		}
		f, _ := t.Float64()
		return Float(f)
	case string:
		return Str(t)
	case []interface{}:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromAny(e)
		}
		return List(out...)
	case map[string]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = FromAny(e)
		}
		return Map(out)
	case map[interface{}]interface{}:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = FromAny(e)
		}
		return Map(out)
	default:
		return Null
	}
}

// ToAny converts a Value back into plain Go interface{} types, useful
// when handing data to third-party drivers (SQL parameter binding, JSON
// logging fields) that expect native Go values rather than Value.
func (v Value) ToAny() interface{} {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.B
	case KindInt:
		return v.I
	case KindFloat:
		return v.F
	case KindString:
		return v.S
	case KindList:
		out := make([]interface{}, len(v.L))
		for i, e := range v.L {
			out[i] = e.ToAny()
		}
		return out
	case KindMap, KindRef:
		out := make(map[string]interface{}, len(v.M))
		for k, e := range v.M {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

// Keys returns the sorted keys of a map-kind value, for deterministic
// iteration order (template rendering, JSON-independent hashing).
func (v Value) Keys() []string {
	if v.Kind != KindMap && v.Kind != KindRef {
		return nil
	}
	keys := make([]string, 0, len(v.M))
	for k := range v.M {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports structural equality between two Values.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.B == b.B
	case KindInt:
		return a.I == b.I
	case KindFloat:
		return a.F == b.F
	case KindString:
		return a.S == b.S
	case KindList:
		if len(a.L) != len(b.L) {
			return false
		}
		for i := range a.L {
			if !Equal(a.L[i], b.L[i]) {
				return false
			}
		}
		return true
	case KindMap, KindRef:
		if len(a.M) != len(b.M) {
			return false
		}
		for k, av := range a.M {
			bv, ok := b.M[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
