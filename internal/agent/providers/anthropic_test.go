package providers

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
)

func TestNewAnthropicProvider(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}

	if p.maxRetries != 3 {
		t.Errorf("default maxRetries = %d, want 3", p.maxRetries)
	}
	if p.retryDelay != time.Second {
		t.Errorf("default retryDelay = %v, want 1s", p.retryDelay)
	}
	if p.defaultModel == "" {
		t.Error("default model should be set")
	}
}

func TestAnthropicProviderIdentity(t *testing.T) {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatal(err)
	}

	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q, want %q", p.Name(), "anthropic")
	}
	if !p.SupportsTools() {
		t.Error("SupportsTools() should be true")
	}
}

func TestAnthropicGetModel(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k", DefaultModel: "claude-3-haiku-20240307"})

	if got := p.getModel(""); got != "claude-3-haiku-20240307" {
		t.Errorf("getModel(\"\") = %q", got)
	}
	if got := p.getModel("claude-opus-4-20250514"); got != "claude-opus-4-20250514" {
		t.Errorf("getModel should pass through explicit model, got %q", got)
	}
}

func TestAnthropicGetMaxTokens(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})

	if got := p.getMaxTokens(0); got != 4096 {
		t.Errorf("getMaxTokens(0) = %d, want 4096", got)
	}
	if got := p.getMaxTokens(-1); got != 4096 {
		t.Errorf("getMaxTokens(-1) = %d, want 4096", got)
	}
	if got := p.getMaxTokens(1024); got != 1024 {
		t.Errorf("getMaxTokens(1024) = %d", got)
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})

	messages := []agent.CompletionMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "checking", ToolCalls: []agent.ToolCall{
			{ID: "call_1", Name: "calculator", Input: json.RawMessage(`{"expression":"2+2"}`)},
		}},
		{Role: "tool", ToolResults: []agent.ToolResult{
			{ToolCallID: "call_1", Content: "4"},
		}},
	}

	converted, err := p.convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}

	// System entries travel in params.System, not the message list.
	if len(converted) != 3 {
		t.Fatalf("got %d messages, want 3", len(converted))
	}

	if converted[0].Role != "user" {
		t.Errorf("first message role = %q, want user", converted[0].Role)
	}
	if converted[1].Role != "assistant" {
		t.Errorf("second message role = %q, want assistant", converted[1].Role)
	}
	// Tool result turns map to user-role messages in this API.
	if converted[2].Role != "user" {
		t.Errorf("tool result message role = %q, want user", converted[2].Role)
	}

	// Assistant carries text block plus tool_use block.
	if len(converted[1].Content) != 2 {
		t.Errorf("assistant content blocks = %d, want 2", len(converted[1].Content))
	}
}

func TestAnthropicConvertMessagesInvalidToolInput(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})

	_, err := p.convertMessages([]agent.CompletionMessage{
		{Role: "assistant", ToolCalls: []agent.ToolCall{
			{ID: "call_1", Name: "calculator", Input: json.RawMessage(`{not json`)},
		}},
	})
	if err == nil {
		t.Error("expected error for invalid tool call input")
	}
}

func TestAnthropicConvertTools(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})

	converted, err := p.convertTools(testToolSet(t))
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(converted) != 1 {
		t.Fatalf("got %d tools, want 1", len(converted))
	}
	if converted[0].OfTool == nil {
		t.Fatal("expected plain tool param")
	}
	if converted[0].OfTool.Name != "echo" {
		t.Errorf("tool name = %q, want echo", converted[0].OfTool.Name)
	}
}

func TestAnthropicWrapError(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "k"})

	if p.wrapError(nil, "m") != nil {
		t.Error("wrapError(nil) should be nil")
	}

	pe := NewProviderError("anthropic", "m", errors.New("x"))
	if got := p.wrapError(pe, "m"); got != pe {
		t.Error("wrapError should pass through existing ProviderErrors")
	}

	wrapped := p.wrapError(errors.New("rate limit exceeded"), "claude-sonnet-4-20250514")
	providerErr, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatal("expected ProviderError")
	}
	if providerErr.Reason != FailoverRateLimit {
		t.Errorf("reason = %s, want rate_limit", providerErr.Reason)
	}
	if providerErr.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", providerErr.Model)
	}
}
