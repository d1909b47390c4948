package engine

import (
	"testing"
	"time"

	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/value"
)

func TestEvaluateDefaultContinueOnOK(t *testing.T) {
	d, err := Evaluate(playbook.TaskPolicy{}, outcome.Ok(value.Str("x"), outcome.Meta{}), template.Default, value.Map(nil), 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Do != DoContinue {
		t.Fatalf("expected continue, got %v", d.Do)
	}
}

func TestEvaluateDefaultFailOnError(t *testing.T) {
	d, err := Evaluate(playbook.TaskPolicy{}, outcome.Fail(outcome.Error{Message: "boom", Retryable: false}, outcome.Meta{}), template.Default, value.Map(nil), 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Do != DoFail {
		t.Fatalf("expected fail, got %v", d.Do)
	}
}

// TestEvaluateRetryExponentialBackoff: retry on
// 503, attempts bound 5, exponential backoff with delay 1s, expecting
// ~1s then ~2s for attempts 1 and 2.
func TestEvaluateRetryExponentialBackoff(t *testing.T) {
	policy := playbook.TaskPolicy{Rules: []playbook.PolicyRule{
		{When: "outcome.http.status == 503", Then: playbook.PolicyThen{
			Do: "retry", Attempts: 5, Backoff: "exponential", DelayMS: 1000,
		}},
	}}
	scope := value.Map(map[string]value.Value{
		"outcome": value.Map(map[string]value.Value{
			"http": value.Map(map[string]value.Value{"status": value.Int(503)}),
		}),
	})

	d1, err := Evaluate(policy, outcome.Fail(outcome.Error{Message: "unavailable", Retryable: true}, outcome.Meta{}), template.Default, scope, 0)
	if err != nil {
		t.Fatalf("evaluate attempt 1: %v", err)
	}
	if d1.Do != DoRetry || d1.Attempt != 1 || d1.Delay != time.Second {
		t.Fatalf("attempt 1: got %+v", d1)
	}

	d2, err := Evaluate(policy, outcome.Fail(outcome.Error{Message: "unavailable", Retryable: true}, outcome.Meta{}), template.Default, scope, 1)
	if err != nil {
		t.Fatalf("evaluate attempt 2: %v", err)
	}
	if d2.Do != DoRetry || d2.Attempt != 2 || d2.Delay != 2*time.Second {
		t.Fatalf("attempt 2: got %+v", d2)
	}
}

func TestEvaluateRetryExhaustedFails(t *testing.T) {
	policy := playbook.TaskPolicy{Rules: []playbook.PolicyRule{
		{When: "", Then: playbook.PolicyThen{Do: "retry", Attempts: 2, Backoff: "none", DelayMS: 100}},
	}}
	d, err := Evaluate(policy, outcome.Fail(outcome.Error{Message: "x", Retryable: true}, outcome.Meta{}), template.Default, value.Map(nil), 2)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Do != DoFail {
		t.Fatalf("expected fail once attempts exhausted, got %+v", d)
	}
}

// TestEvaluateJumpWithSetIter covers the pagination rule:
// `when iter.has_more do jump to fetch set_iter.page = iter.page+1`.
func TestEvaluateJumpWithSetIter(t *testing.T) {
	policy := playbook.TaskPolicy{Rules: []playbook.PolicyRule{
		{When: "iter.has_more", Then: playbook.PolicyThen{
			Do: "jump", To: "fetch", SetIter: map[string]string{"page": "iter.page + 1"},
		}},
		{When: "", Then: playbook.PolicyThen{Do: "break"}},
	}}
	scope := value.Map(map[string]value.Value{
		"iter": value.Map(map[string]value.Value{
			"has_more": value.Bool(true),
			"page":     value.Int(1),
		}),
	})

	d, err := Evaluate(policy, outcome.Ok(value.Null, outcome.Meta{}), template.Default, scope, 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Do != DoJump || d.To != "fetch" {
		t.Fatalf("expected jump to fetch, got %+v", d)
	}
	if d.SetIter["page"].I != 2 {
		t.Fatalf("expected set_iter.page=2, got %+v", d.SetIter["page"])
	}
}

func TestEvaluateElseBreak(t *testing.T) {
	policy := playbook.TaskPolicy{Rules: []playbook.PolicyRule{
		{When: "iter.has_more", Then: playbook.PolicyThen{Do: "jump", To: "fetch"}},
		{When: "", Then: playbook.PolicyThen{Do: "break"}},
	}}
	scope := value.Map(map[string]value.Value{
		"iter": value.Map(map[string]value.Value{"has_more": value.Bool(false)}),
	})

	d, err := Evaluate(policy, outcome.Ok(value.Null, outcome.Meta{}), template.Default, scope, 0)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Do != DoBreak {
		t.Fatalf("expected break, got %+v", d)
	}
}

func TestEvaluateAdmissionAllowAndDeny(t *testing.T) {
	allow := playbook.AdmitPolicy{Admit: playbook.AdmitRules{Rules: []playbook.AdmitRule{
		{When: "ctx.A_done and ctx.B_done", Then: playbook.AdmitThen{Do: "allow"}},
		{When: "", Then: playbook.AdmitThen{Do: "deny"}},
	}}}
	ready := value.Map(map[string]value.Value{
		"ctx": value.Map(map[string]value.Value{"A_done": value.Bool(true), "B_done": value.Bool(true)}),
	})
	notReady := value.Map(map[string]value.Value{
		"ctx": value.Map(map[string]value.Value{"A_done": value.Bool(true), "B_done": value.Bool(false)}),
	})

	ok, err := EvaluateAdmission(allow, template.Default, ready)
	if err != nil || !ok {
		t.Fatalf("expected admitted, got ok=%v err=%v", ok, err)
	}
	ok, err = EvaluateAdmission(allow, template.Default, notReady)
	if err != nil || ok {
		t.Fatalf("expected denied, got ok=%v err=%v", ok, err)
	}
}

func TestEvaluateAdmissionNoRulesAlwaysAdmits(t *testing.T) {
	ok, err := EvaluateAdmission(playbook.AdmitPolicy{}, template.Default, value.Map(nil))
	if err != nil || !ok {
		t.Fatalf("expected default admit, got ok=%v err=%v", ok, err)
	}
}
