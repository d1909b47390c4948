// Package llm implements the "llm" task kind: a chat completion call
// against one of the registered model.ChatModel providers, selected at
// runtime by the task's own "provider" field, since a single playbook
// may call more than one provider across its tasks.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/noetl/noetl/model"
	"github.com/noetl/noetl/outcome"
	"github.com/noetl/noetl/value"
)

// Driver dispatches "llm" tasks to one of a set of named
// model.ChatModel providers.
type Driver struct {
	Models map[string]model.ChatModel
	Put    outcome.Put
	Store  string
	Limits outcome.Limits
}

// New returns a Driver with no providers registered; call Register to
// add them.
func New(put outcome.Put, store string) *Driver {
	return &Driver{Models: make(map[string]model.ChatModel), Put: put, Store: store, Limits: outcome.DefaultLimits}
}

// Register binds a provider name (e.g. "anthropic", "openai", "google")
// to a model.ChatModel implementation.
func (d *Driver) Register(provider string, m model.ChatModel) {
	d.Models[provider] = m
}

// Execute runs a chat completion. cfg mirrors the task's rendered
// args: provider (required, must be registered), messages (required,
// a list of {role, content} maps), tools (optional, a list of
// {name, description, schema} maps).
func (d *Driver) Execute(ctx context.Context, cfg map[string]interface{}, scope value.Value) (outcome.Outcome, error) {
	meta := outcome.Meta{Ts: time.Now()}

	provider, _ := cfg["provider"].(string)
	if provider == "" {
		return outcome.Fail(outcome.Error{Kind: "llm", Message: "provider parameter required"}, meta), nil
	}
	chatModel, ok := d.Models[provider]
	if !ok {
		return outcome.Fail(outcome.Error{Kind: "llm", Message: fmt.Sprintf("unregistered provider %q", provider)}, meta), nil
	}

	messages, err := convertMessages(cfg["messages"])
	if err != nil {
		return outcome.Fail(outcome.Error{Kind: "llm", Message: err.Error()}, meta), nil
	}
	if len(messages) == 0 {
		return outcome.Fail(outcome.Error{Kind: "llm", Message: "messages parameter required"}, meta), nil
	}
	tools := convertTools(cfg["tools"])

	out, err := chatModel.Chat(ctx, messages, tools)
	duration := time.Since(meta.Ts)
	meta.DurationMS = duration.Milliseconds()
	if err != nil {
		return outcome.Fail(outcome.Error{Kind: "llm", Retryable: true, Message: err.Error()}, meta), nil
	}

	toolCalls := make([]value.Value, len(out.ToolCalls))
	for i, tc := range out.ToolCalls {
		toolCalls[i] = value.Map(map[string]value.Value{
			"name":  value.Str(tc.Name),
			"input": value.FromAny(tc.Input),
		})
	}
	result := value.Map(map[string]value.Value{
		"text":       value.Str(out.Text),
		"tool_calls": value.List(toolCalls...),
		"provider":   value.Str(provider),
	})

	// The kind block carries provider/model/token usage so policy rules
	// can discriminate on outcome.llm.* and the engine's resource
	// tracker can attribute cost per model.
	kindBlock := map[string]value.Value{
		"provider":      value.Str(provider),
		"model":         value.Str(out.Model),
		"input_tokens":  value.Int(int64(out.Usage.InputTokens)),
		"output_tokens": value.Int(int64(out.Usage.OutputTokens)),
	}

	var oc outcome.Outcome
	if d.Put != nil {
		oc, err = outcome.Externalize(d.Store, result, d.Limits, meta, d.Put)
		if err != nil {
			return outcome.Fail(outcome.Error{Kind: "llm", Message: fmt.Sprintf("externalize: %v", err)}, meta), nil
		}
	} else {
		oc = outcome.Ok(result, meta)
	}
	oc.Kind = kindBlock
	return oc, nil
}

func convertMessages(raw interface{}) ([]model.Message, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]model.Message, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("llm: message entries must be objects")
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" {
			role = model.RoleUser
		}
		out = append(out, model.Message{Role: role, Content: content})
	}
	return out, nil
}

func convertTools(raw interface{}) []model.ToolSpec {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]model.ToolSpec, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		desc, _ := m["description"].(string)
		schema, _ := m["schema"].(map[string]interface{})
		out = append(out, model.ToolSpec{Name: name, Description: desc, Schema: schema})
	}
	return out
}
