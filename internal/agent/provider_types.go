// Package agent defines the model-provider contract and resolves stored
// agent configurations into immutable runtime descriptors.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/loom/internal/tools"
)

// LLMProvider is the interface for generative model backends.
//
// Implementations must be safe for concurrent use; each Complete call
// creates an independent stream.
type LLMProvider interface {
	// Complete sends a request and returns a streaming response. The
	// channel is closed when the stream ends.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name ("anthropic", "openai").
	Name() string

	// SupportsTools reports whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest carries everything a provider needs for one model call.
type CompletionRequest struct {
	// Model is the provider-specific model identifier. Empty selects the
	// provider's default.
	Model string `json:"model"`

	// System sets the assistant's behavior; handled separately from the
	// message list by the provider APIs.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools are the capabilities the model may call this step.
	Tools []tools.Tool `json:"-"`

	// MaxTokens bounds the response length; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage is one history entry in provider-neutral form.
// Role is "user", "assistant", or "tool".
type CompletionMessage struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall is the model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of an executed tool call, fed back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolCallRef announces a tool call whose arguments are still streaming.
type ToolCallRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CompletionChunk is one element of a provider's response stream.
//
// Tool calls arrive in two stages: ToolCallStart as soon as the model names
// the tool (arguments still streaming), then ToolCall once the argument
// JSON is complete. The engine maps these onto the invocation state
// machine; a provider must always emit the start before the completion.
type CompletionChunk struct {
	// Text is an incremental piece of response text.
	Text string `json:"text,omitempty"`

	// Reasoning is an incremental piece of reasoning text, when the model
	// exposes it.
	Reasoning string `json:"reasoning,omitempty"`

	// ToolCallStart announces a tool call before its arguments are known.
	ToolCallStart *ToolCallRef `json:"tool_call_start,omitempty"`

	// ToolCall is a completed tool execution request.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Done is true on the final chunk of a successful stream.
	Done bool `json:"done,omitempty"`

	// InputTokens and OutputTokens report usage; only set when Done.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`
}
