package playbook

import "fmt"

// Normalize canonicalizes every step's task-pipeline shorthand into the
// `[]Task` form with unique, stable labels, and expands `uses: <name>`
// workbook references inline so no downstream code needs to special-case
// them.
func Normalize(pb *Playbook) (*Playbook, error) {
	out := *pb

	workbook, err := normalizeWorkbook(pb.WorkbookRaw)
	if err != nil {
		return nil, err
	}
	out.Workbook = workbook

	steps := make([]Step, len(pb.Workflow))
	for i, step := range pb.Workflow {
		tasks, err := normalizeToolRaw(step.ToolRaw)
		if err != nil {
			return nil, fmt.Errorf("playbook: step %q: %w", step.Step, err)
		}
		expanded, err := expandUses(tasks, workbook)
		if err != nil {
			return nil, fmt.Errorf("playbook: step %q: %w", step.Step, err)
		}
		step.Tool = expanded
		step.ToolRaw = nil
		steps[i] = step
	}
	out.Workflow = steps
	return &out, nil
}

func normalizeWorkbook(raw map[string]interface{}) (map[string][]Task, error) {
	if raw == nil {
		return nil, nil
	}
	out := make(map[string][]Task, len(raw))
	for name, body := range raw {
		tasks, err := normalizeToolRaw(body)
		if err != nil {
			return nil, fmt.Errorf("workbook %q: %w", name, err)
		}
		out[name] = tasks
	}
	return out, nil
}

// expandUses replaces any task whose Uses names a workbook template with
// that template's tasks spliced in at the same pipeline position,
// relabeling duplicates to stay unique within the pipeline.
func expandUses(tasks []Task, workbook map[string][]Task) ([]Task, error) {
	var out []Task
	seen := map[string]int{}
	appendUnique := func(t Task) {
		if n, ok := seen[t.Label]; ok {
			n++
			seen[t.Label] = n
			t.Label = fmt.Sprintf("%s_%d", t.Label, n)
		} else {
			seen[t.Label] = 0
		}
		out = append(out, t)
	}

	for _, t := range tasks {
		if t.Uses == "" {
			appendUnique(t)
			continue
		}
		tmpl, ok := workbook[t.Uses]
		if !ok {
			return nil, fmt.Errorf("task %q: unknown workbook template %q", t.Label, t.Uses)
		}
		for _, wt := range tmpl {
			appendUnique(wt)
		}
	}
	return out, nil
}

// normalizeToolRaw accepts any of the shorthand forms a step's `tool`
// field (or a workbook entry) may be authored in and returns the
// canonical ordered `[]Task` with unique labels:
//
//   - nil                                     -> no tasks
//   - a single task body (has a "kind" key)    -> one task, label "task_1"
//   - a list of single-key {label: body} maps  -> labels taken verbatim,
//     preserving list order
//   - a list of bare task bodies (no wrapping
//     label key)                               -> labels "task_1","task_2",…
//     generated in list order
func normalizeToolRaw(raw interface{}) ([]Task, error) {
	if raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []interface{}:
		out := make([]Task, 0, len(v))
		for i, elem := range v {
			t, err := taskFromListElement(elem, i+1)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		return out, nil
	default:
		m, ok := toStringMap(raw)
		if !ok {
			return nil, fmt.Errorf("tool: unsupported shape %T", raw)
		}
		if _, hasKind := m["kind"]; hasKind {
			return []Task{taskFromBody("task_1", m)}, nil
		}
		// Already a label -> body mapping. Map key order isn't
		// preserved by the YAML decoder at this point, so labels are
		// walked in a stable (sorted) order for determinism.
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sortStrings(keys)
		out := make([]Task, 0, len(keys))
		for _, k := range keys {
			body, ok := toStringMap(m[k])
			if !ok {
				return nil, fmt.Errorf("tool: label %q: expected task body", k)
			}
			out = append(out, taskFromBody(k, body))
		}
		return out, nil
	}
}

func taskFromListElement(elem interface{}, ordinal int) (Task, error) {
	m, ok := toStringMap(elem)
	if !ok {
		return Task{}, fmt.Errorf("tool: list element %d: unsupported shape %T", ordinal, elem)
	}
	if _, hasKind := m["kind"]; hasKind {
		return taskFromBody(fmt.Sprintf("task_%d", ordinal), m), nil
	}
	if len(m) != 1 {
		return Task{}, fmt.Errorf("tool: list element %d: expected single {label: body} entry", ordinal)
	}
	for label, body := range m {
		bm, ok := toStringMap(body)
		if !ok {
			return Task{}, fmt.Errorf("tool: label %q: expected task body", label)
		}
		return taskFromBody(label, bm), nil
	}
	panic("unreachable")
}

func taskFromBody(label string, body map[string]interface{}) Task {
	t := Task{Label: label, Extra: map[string]interface{}{}}
	for k, v := range body {
		switch k {
		case "kind":
			if s, ok := v.(string); ok {
				t.Kind = s
			}
		case "uses":
			if s, ok := v.(string); ok {
				t.Uses = s
			}
		case "args":
			if am, ok := toStringMap(v); ok {
				t.Args = am
			}
		case "spec":
			t.Spec = taskSpecFromAny(v)
		default:
			t.Extra[k] = v
		}
	}
	return t
}

func taskSpecFromAny(v interface{}) TaskSpec {
	m, ok := toStringMap(v)
	if !ok {
		return TaskSpec{}
	}
	var spec TaskSpec
	if tm, ok := m["timeout_ms"]; ok {
		if n, ok := toInt(tm); ok {
			spec.TimeoutMS = n
		}
	}
	if pol, ok := toStringMap(m["policy"]); ok {
		if rawRules, ok := pol["rules"].([]interface{}); ok {
			for _, rr := range rawRules {
				rm, ok := toStringMap(rr)
				if !ok {
					continue
				}
				rule := PolicyRule{}
				if w, ok := rm["when"].(string); ok {
					rule.When = w
				}
				if tm, ok := toStringMap(rm["then"]); ok {
					rule.Then = policyThenFromMap(tm)
				}
				spec.Policy.Rules = append(spec.Policy.Rules, rule)
			}
		}
	}
	return spec
}

func policyThenFromMap(m map[string]interface{}) PolicyThen {
	var then PolicyThen
	if s, ok := m["do"].(string); ok {
		then.Do = s
	}
	if s, ok := m["to"].(string); ok {
		then.To = s
	}
	if n, ok := toInt(m["attempts"]); ok {
		then.Attempts = n
	}
	if s, ok := m["backoff"].(string); ok {
		then.Backoff = s
	}
	if n, ok := toInt(m["delay_ms"]); ok {
		then.DelayMS = n
	}
	if sm, ok := toStringMap(m["set_iter"]); ok {
		then.SetIter = stringMapOfStrings(sm)
	}
	if sm, ok := toStringMap(m["set_ctx"]); ok {
		then.SetCtx = stringMapOfStrings(sm)
	}
	return then
}

func stringMapOfStrings(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// toStringMap converts either a map[string]interface{} or the
// map[interface{}]interface{} shape produced by yaml.v2-family decoders
// into a map[string]interface{}.
func toStringMap(raw interface{}) (map[string]interface{}, bool) {
	switch m := raw.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = v
		}
		return out, true
	default:
		return nil, false
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
