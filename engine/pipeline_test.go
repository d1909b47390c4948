package engine

import (
	"context"
	"testing"
	"time"

	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/playbook"
	"github.com/noetl/noetl/template"
	"github.com/noetl/noetl/tool"
	"github.com/noetl/noetl/value"
)

// fakeDriver is a scripted tool.Driver: each call pops the next Outcome
// from a fixed sequence, repeating the last entry once exhausted.
type fakeDriver struct {
	outcomes []outcome.Outcome
	calls    int
}

func (f *fakeDriver) Execute(ctx context.Context, cfg map[string]interface{}, scope value.Value) (outcome.Outcome, error) {
	i := f.calls
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	f.calls++
	return f.outcomes[i], nil
}

// TestRunPipelineSequenceSetsCtx: a noop task sets
// ctx.x via set_ctx on continue, pipeline reaches end of list as success.
func TestRunPipelineSequenceSetsCtx(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("noop", &fakeDriver{outcomes: []outcome.Outcome{outcome.Ok(value.Int(1), outcome.Meta{})}})

	tasks := []playbook.Task{
		{Label: "setx", Kind: "noop", Spec: playbook.TaskSpec{Policy: playbook.TaskPolicy{Rules: []playbook.PolicyRule{
			{When: "", Then: playbook.PolicyThen{Do: "continue", SetCtx: map[string]string{"x": "1"}}},
		}}}},
	}

	out, err := RunPipeline(context.Background(), PipelineInput{
		ExecutionID: "exec-1", StepRunID: "run-A", Step: "A",
		Tasks: tasks, Workload: value.Map(nil), Ctx: value.Map(nil), Iter: value.Map(nil),
		Registry: registry, Eval: template.Default,
	})
	if err != nil {
		t.Fatalf("run pipeline: %v", err)
	}
	if out.Status != PipelineSuccess {
		t.Fatalf("expected success, got %v", out.Status)
	}
	if out.FinalCtx.Get("x").I != 1 {
		t.Fatalf("expected ctx.x=1, got %+v", out.FinalCtx.Get("x"))
	}
}

// TestRunPipelineRetryExponentialBackoff: two 503s
// then a 200, exponential backoff, three attempts recorded, step
// succeeds.
func TestRunPipelineRetryExponentialBackoff(t *testing.T) {
	registry := tool.NewRegistry()
	driver := &fakeDriver{outcomes: []outcome.Outcome{
		{Status: outcome.StatusError, Error: &outcome.Error{Message: "unavailable", Retryable: true}, Kind: map[string]value.Value{"status": value.Int(503)}, Meta: outcome.Meta{}},
		{Status: outcome.StatusError, Error: &outcome.Error{Message: "unavailable", Retryable: true}, Kind: map[string]value.Value{"status": value.Int(503)}, Meta: outcome.Meta{}},
		outcome.Ok(value.Str("ok"), outcome.Meta{}),
	}}
	registry.Register("http", driver)

	tasks := []playbook.Task{
		{Label: "fetch", Kind: "http", Args: map[string]interface{}{"url": "https://example.test"},
			Spec: playbook.TaskSpec{Policy: playbook.TaskPolicy{Rules: []playbook.PolicyRule{
				{When: "outcome.http.status == 503", Then: playbook.PolicyThen{Do: "retry", Attempts: 5, Backoff: "exponential", DelayMS: 1}},
			}}}},
	}

	start := time.Now()
	out, err := RunPipeline(context.Background(), PipelineInput{
		ExecutionID: "exec-1", StepRunID: "run-A", Step: "A",
		Tasks: tasks, Workload: value.Map(nil), Ctx: value.Map(nil), Iter: value.Map(nil),
		Registry: registry, Eval: template.Default,
	})
	if err != nil {
		t.Fatalf("run pipeline: %v", err)
	}
	if time.Since(start) < 3*time.Millisecond {
		t.Fatalf("expected retry delays (1ms+2ms) to elapse")
	}
	if out.Status != PipelineSuccess {
		t.Fatalf("expected success after third attempt, got %v", out.Status)
	}
	if driver.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", driver.calls)
	}

	var started, done, failed int
	for _, ev := range out.Events {
		switch ev.Name {
		case "task.started":
			started++
		case "task.done":
			done++
		case "task.failed":
			failed++
		}
	}
	if started != 3 || done != 1 || failed != 2 {
		t.Fatalf("expected 3 started/1 done/2 failed, got started=%d done=%d failed=%d", started, done, failed)
	}
}

// TestRunPipelinePaginationJumpAndBreak: fetch sets iter.has_more,
// paginate sets iter.page and jumps back to fetch while has_more, then
// breaks on the third pass.
func TestRunPipelinePaginationJumpAndBreak(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("fetch", &fakeDriver{outcomes: []outcome.Outcome{outcome.Ok(value.Str("page"), outcome.Meta{})}})
	registry.Register("store", &fakeDriver{outcomes: []outcome.Outcome{outcome.Ok(value.Str("stored"), outcome.Meta{})}})

	tasks := []playbook.Task{
		{Label: "fetch", Kind: "fetch", Spec: playbook.TaskSpec{Policy: playbook.TaskPolicy{Rules: []playbook.PolicyRule{
			{When: "", Then: playbook.PolicyThen{Do: "continue", SetIter: map[string]string{
				"has_more": "iter.page < 2",
			}}},
		}}}},
		{Label: "store", Kind: "store", Spec: playbook.TaskSpec{}},
		{Label: "paginate", Kind: "fetch", Spec: playbook.TaskSpec{Policy: playbook.TaskPolicy{Rules: []playbook.PolicyRule{
			{When: "iter.has_more", Then: playbook.PolicyThen{Do: "jump", To: "fetch", SetIter: map[string]string{"page": "iter.page + 1"}}},
			{When: "", Then: playbook.PolicyThen{Do: "break"}},
		}}}},
	}

	out, err := RunPipeline(context.Background(), PipelineInput{
		ExecutionID: "exec-1", StepRunID: "run-A", Step: "A",
		Tasks: tasks, Workload: value.Map(nil), Ctx: value.Map(nil),
		Iter:     value.Map(map[string]value.Value{"page": value.Int(0), "has_more": value.Bool(true)}),
		Registry: registry, Eval: template.Default,
	})
	if err != nil {
		t.Fatalf("run pipeline: %v", err)
	}
	if out.Status != PipelineSuccess {
		t.Fatalf("expected success on break, got %v", out.Status)
	}

	fetchCount := 0
	storeCount := 0
	for _, ev := range out.Events {
		if ev.Name != "task.started" {
			continue
		}
		switch ev.Payload.Get("label").S {
		case "fetch":
			fetchCount++
		case "store":
			storeCount++
		}
	}
	if fetchCount != 3 {
		t.Fatalf("expected fetch to run 3 times, got %d", fetchCount)
	}
	if storeCount != 3 {
		t.Fatalf("expected store to run 3 times, got %d", storeCount)
	}
	if out.FinalIter.Get("page").I != 2 {
		t.Fatalf("expected final iter.page=2, got %+v", out.FinalIter.Get("page"))
	}
}

// TestRunPipelineFailDirectiveStopsRun confirms a "fail" directive ends
// the pipeline as PipelineFailed without running later tasks.
func TestRunPipelineFailDirectiveStopsRun(t *testing.T) {
	registry := tool.NewRegistry()
	registry.Register("noop", &fakeDriver{outcomes: []outcome.Outcome{
		outcome.Fail(outcome.Error{Message: "boom"}, outcome.Meta{}),
	}})

	tasks := []playbook.Task{
		{Label: "first", Kind: "noop"},
		{Label: "second", Kind: "noop"},
	}

	out, err := RunPipeline(context.Background(), PipelineInput{
		ExecutionID: "exec-1", StepRunID: "run-A", Step: "A",
		Tasks: tasks, Workload: value.Map(nil), Ctx: value.Map(nil), Iter: value.Map(nil),
		Registry: registry, Eval: template.Default,
	})
	if err != nil {
		t.Fatalf("run pipeline: %v", err)
	}
	if out.Status != PipelineFailed {
		t.Fatalf("expected failed, got %v", out.Status)
	}
	for _, ev := range out.Events {
		if ev.Payload.Get("label").S == "second" {
			t.Fatalf("second task should not have run")
		}
	}
}

// captureDriver records the rendered cfg it was invoked with.
type captureDriver struct {
	cfgs []map[string]interface{}
}

func (c *captureDriver) Execute(ctx context.Context, cfg map[string]interface{}, scope value.Value) (outcome.Outcome, error) {
	c.cfgs = append(c.cfgs, cfg)
	return outcome.Ok(value.Int(1), outcome.Meta{}), nil
}

// TestRunPipelineArgsAndKeychainScope confirms a task template can read
// the token's args payload and the resolved keychain.
func TestRunPipelineArgsAndKeychainScope(t *testing.T) {
	driver := &captureDriver{}
	registry := tool.NewRegistry()
	registry.Register("noop", driver)

	tasks := []playbook.Task{
		{Label: "greet", Kind: "noop", Args: map[string]interface{}{
			"who":   "{{ args.name }}",
			"token": "{{ keychain.api }}",
		}},
	}

	out, err := RunPipeline(context.Background(), PipelineInput{
		ExecutionID: "exec-1", StepRunID: "run-A", Step: "A",
		Tasks: tasks, Workload: value.Map(nil), Ctx: value.Map(nil), Iter: value.Map(nil),
		Args:     value.Map(map[string]value.Value{"name": value.Str("ada")}),
		Keychain: value.Map(map[string]value.Value{"api": value.Str("secret-1")}),
		Registry: registry, Eval: template.Default,
	})
	if err != nil {
		t.Fatalf("run pipeline: %v", err)
	}
	if out.Status != PipelineSuccess {
		t.Fatalf("expected success, got %v", out.Status)
	}
	if len(driver.cfgs) != 1 {
		t.Fatalf("expected one invocation, got %d", len(driver.cfgs))
	}
	if got := driver.cfgs[0]["who"]; got != "ada" {
		t.Fatalf("expected args.name rendered, got %v", got)
	}
	if got := driver.cfgs[0]["token"]; got != "secret-1" {
		t.Fatalf("expected keychain.api rendered, got %v", got)
	}
}
