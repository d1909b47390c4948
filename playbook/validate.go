package playbook

import "fmt"

// ErrorCode enumerates the validation failure kinds named by the spec.
type ErrorCode string

const (
	DuplicateName     ErrorCode = "DuplicateName"
	UnknownStep       ErrorCode = "UnknownStep"
	MissingLoopField  ErrorCode = "MissingLoopField"
	UnknownTaskKind   ErrorCode = "UnknownTaskKind"
	BadPolicyShape    ErrorCode = "BadPolicyShape"
	UnknownJumpTarget ErrorCode = "UnknownJumpTarget"
	DeprecatedKey     ErrorCode = "DeprecatedKey"
)

// ValidationError names one violation of a playbook invariant, scoped to
// the step/task it was found in.
type ValidationError struct {
	Code   ErrorCode
	Step   string
	Task   string
	Detail string
}

func (e ValidationError) Error() string {
	switch {
	case e.Task != "":
		return fmt.Sprintf("%s: step %q task %q: %s", e.Code, e.Step, e.Task, e.Detail)
	case e.Step != "":
		return fmt.Sprintf("%s: step %q: %s", e.Code, e.Step, e.Detail)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
}

// Validate enforces the document invariants against an already
// Normalize-d playbook. It collects every violation rather than failing
// fast, so a caller can report them all at once.
func Validate(pb *Playbook, registeredKinds map[string]bool) []ValidationError {
	var errs []ValidationError

	errs = append(errs, scanDeprecatedKeys(pb)...)

	stepNames := map[string]bool{}
	for _, step := range pb.Workflow {
		if stepNames[step.Step] {
			errs = append(errs, ValidationError{Code: DuplicateName, Step: step.Step, Detail: "duplicate step name"})
		}
		stepNames[step.Step] = true
	}

	for _, step := range pb.Workflow {
		if step.Tool == nil && step.Next == nil {
			errs = append(errs, ValidationError{Code: UnknownTaskKind, Step: step.Step, Detail: "step has neither tool nor next"})
		}

		if step.Loop != nil {
			if step.Loop.In == "" {
				errs = append(errs, ValidationError{Code: MissingLoopField, Step: step.Step, Detail: "loop.in is required"})
			}
			if step.Loop.Iterator == "" {
				errs = append(errs, ValidationError{Code: MissingLoopField, Step: step.Step, Detail: "loop.iterator is required"})
			}
		}

		taskLabels := map[string]bool{}
		for _, task := range step.Tool {
			if taskLabels[task.Label] {
				errs = append(errs, ValidationError{Code: DuplicateName, Step: step.Step, Task: task.Label, Detail: "duplicate task label"})
			}
			taskLabels[task.Label] = true

			if registeredKinds != nil && task.Kind != "" && !registeredKinds[task.Kind] {
				errs = append(errs, ValidationError{Code: UnknownTaskKind, Step: step.Step, Task: task.Label, Detail: "unregistered tool kind " + task.Kind})
			}

			for i, rule := range task.Spec.Policy.Rules {
				if rule.Then.Do == "" {
					errs = append(errs, ValidationError{Code: BadPolicyShape, Step: step.Step, Task: task.Label, Detail: fmt.Sprintf("rule %d: then.do is required", i)})
					continue
				}
				if rule.Then.Do == "jump" {
					if rule.Then.To == "" {
						errs = append(errs, ValidationError{Code: UnknownJumpTarget, Step: step.Step, Task: task.Label, Detail: "jump rule missing then.to"})
					} else if !taskLabels[rule.Then.To] {
						// Target may be a task later in the same
						// pipeline; defer to a second pass below.
					}
				}
			}
		}

		// Second pass: jump targets must exist somewhere in the same
		// pipeline (forward references are legal, so this can't be
		// checked until the full label set is known).
		for _, task := range step.Tool {
			for _, rule := range task.Spec.Policy.Rules {
				if rule.Then.Do == "jump" && rule.Then.To != "" && !taskLabels[rule.Then.To] {
					errs = append(errs, ValidationError{Code: UnknownJumpTarget, Step: step.Step, Task: task.Label, Detail: "jump target " + rule.Then.To + " not found in pipeline"})
				}
			}
		}

		if step.Next != nil {
			for _, arc := range step.Next.Arcs {
				if !stepNames[arc.Step] {
					errs = append(errs, ValidationError{Code: UnknownStep, Step: step.Step, Detail: "arc targets unknown step " + arc.Step})
				}
			}
		}
	}

	return errs
}

var deprecatedRootKeys = []string{"vars"}
var deprecatedStepKeys = []string{"when", "case", "retry", "sink", "eval", "expr"}

// scanDeprecatedKeys walks the raw decoded document (rather than the
// typed Playbook, which has no field for these keys at all) looking for
// the rejected legacy keys: root `vars`, `step.when`,
// `case`/`retry`/`sink`/`eval`/`expr`, and `step.spec.next_mode`.
func scanDeprecatedKeys(pb *Playbook) []ValidationError {
	if pb.rawDoc == nil {
		return nil
	}
	var errs []ValidationError
	for _, k := range deprecatedRootKeys {
		if _, ok := pb.rawDoc[k]; ok {
			errs = append(errs, ValidationError{Code: DeprecatedKey, Detail: "root key " + k + " is deprecated"})
		}
	}

	rawSteps, _ := pb.rawDoc["workflow"].([]interface{})
	for i, rs := range rawSteps {
		m, ok := toStringMap(rs)
		if !ok {
			continue
		}
		name, _ := m["step"].(string)
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		for _, k := range deprecatedStepKeys {
			if _, ok := m[k]; ok {
				errs = append(errs, ValidationError{Code: DeprecatedKey, Step: name, Detail: "step key " + k + " is deprecated"})
			}
		}
		if spec, ok := toStringMap(m["spec"]); ok {
			if _, ok := spec["next_mode"]; ok {
				errs = append(errs, ValidationError{Code: DeprecatedKey, Step: name, Detail: "step.spec.next_mode is deprecated"})
			}
		}
	}
	return errs
}
