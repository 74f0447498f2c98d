package engine

import (
	"strings"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/pkg/models"
)

// buildHistory maps stored chat messages onto the provider-neutral
// completion shape. An assistant message with tool invocations becomes
// an assistant entry carrying the calls followed by a tool entry
// carrying their results, which is how every provider API wants the
// transcript replayed.
func buildHistory(msgs []*models.ChatMessage) []agent.CompletionMessage {
	out := make([]agent.CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser, models.RoleSystem:
			out = append(out, agent.CompletionMessage{
				Role:    string(m.Role),
				Content: m.PlainText(),
			})
		case models.RoleAssistant:
			entry := agent.CompletionMessage{Role: string(models.RoleAssistant)}
			var text strings.Builder
			var results []agent.ToolResult
			for _, p := range m.Parts {
				switch p.Type {
				case models.PartText:
					text.WriteString(p.Text)
				case models.PartToolInvocation:
					inv := p.ToolInvocation
					if inv == nil {
						continue
					}
					entry.ToolCalls = append(entry.ToolCalls, agent.ToolCall{
						ID:    inv.ToolCallID,
						Name:  inv.ToolName,
						Input: inv.Input,
					})
					if r, ok := replayResult(inv); ok {
						results = append(results, r)
					}
				}
			}
			entry.Content = text.String()
			out = append(out, entry)
			if len(results) > 0 {
				out = append(out, agent.CompletionMessage{
					Role:        "tool",
					ToolResults: results,
				})
			}
		}
	}
	return out
}

// replayResult reconstructs the fed-back tool result from a persisted
// invocation's terminal state.
func replayResult(inv *models.ToolInvocation) (agent.ToolResult, bool) {
	switch inv.State {
	case models.InvocationOutputAvailable:
		return agent.ToolResult{ToolCallID: inv.ToolCallID, Content: inv.Output}, true
	case models.InvocationOutputError:
		return agent.ToolResult{ToolCallID: inv.ToolCallID, Content: inv.ErrorText, IsError: true}, true
	case models.InvocationAbandoned:
		return agent.ToolResult{ToolCallID: inv.ToolCallID, Content: abandonedResultText, IsError: true}, true
	}
	return agent.ToolResult{}, false
}
