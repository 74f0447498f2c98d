package engine

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/loom/internal/agent"
)

// ApprovalDecision is the outcome of an approval check.
type ApprovalDecision int

const (
	// ApprovalDenied abandons the invocation.
	ApprovalDenied ApprovalDecision = iota

	// ApprovalAllowed lets the invocation execute.
	ApprovalAllowed
)

// ApprovalGate decides whether a flagged tool invocation may run. The
// engine suspends the invocation in the requires-approval state until
// Decide returns; the gate owns any user interaction or policy lookup.
//
// A nil gate denies everything: an agent flagged for approval with no
// gate wired fails closed.
type ApprovalGate interface {
	Decide(ctx context.Context, chatID string, call agent.ToolCallRef, input json.RawMessage) (ApprovalDecision, error)
}

// GateFunc adapts a function to the ApprovalGate interface.
type GateFunc func(ctx context.Context, chatID string, call agent.ToolCallRef, input json.RawMessage) (ApprovalDecision, error)

func (f GateFunc) Decide(ctx context.Context, chatID string, call agent.ToolCallRef, input json.RawMessage) (ApprovalDecision, error) {
	return f(ctx, chatID, call, input)
}
