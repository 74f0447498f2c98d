package server

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/engine"
)

type approvalsKey struct{}

// withApprovals stashes the request's pre-approved tool set on the turn
// context. context.WithoutCancel keeps values, so the detached turn
// context still carries the set.
func withApprovals(ctx context.Context, toolNames []string) context.Context {
	if len(toolNames) == 0 {
		return ctx
	}
	set := make(map[string]bool, len(toolNames))
	for _, name := range toolNames {
		set[name] = true
	}
	return context.WithValue(ctx, approvalsKey{}, set)
}

// contextGate resolves approval decisions from the pre-approved tool set
// carried on the turn context. A tool not named in the request is denied,
// which abandons the invocation.
type contextGate struct{}

func (contextGate) Decide(ctx context.Context, _ string, call agent.ToolCallRef, _ json.RawMessage) (engine.ApprovalDecision, error) {
	set, _ := ctx.Value(approvalsKey{}).(map[string]bool)
	if set[call.Name] {
		return engine.ApprovalAllowed, nil
	}
	return engine.ApprovalDenied, nil
}
