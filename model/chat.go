// Package model provides the LLM chat adapter contract the optional
// "llm" task kind dispatches through. The interface is provider-
// agnostic; it lives here because the "llm" tool kind is the one place
// in the engine that needs it.
package model

import "context"

// ChatModel abstracts over LLM chat providers (OpenAI, Anthropic,
// Google) behind one Chat call.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn in a chat conversation.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a function the model may choose to call.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ChatOut is a chat completion's result: generated text, tool calls, or
// both, plus the provider-reported token usage for cost attribution.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
	// Model is the concrete model identifier that served the call,
	// reported back so callers can attribute usage to a pricing entry.
	Model string
	Usage Usage
}

// Usage is the token consumption a provider reported for one Chat call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ToolCall is one function the model asked the caller to invoke.
type ToolCall struct {
	Name  string
	Input map[string]interface{}
}
