package models

import (
	"encoding/json"
	"time"
)

// TurnEventType identifies the kind of turn event.
type TurnEventType string

const (
	TurnEventTextDelta TurnEventType = "text-delta"
	TurnEventToolState TurnEventType = "tool-state"
	TurnEventComplete  TurnEventType = "turn-complete"
	TurnEventError     TurnEventType = "turn-error"
)

// TurnEvent is the unified event model the turn engine streams to the
// transport. Events for one turn form a strictly ordered sequence; the
// Sequence number is monotonic within the turn.
//
// Exactly one payload field is non-nil for a given Type.
type TurnEvent struct {
	Type     TurnEventType `json:"type"`
	Sequence uint64        `json:"seq"`
	Time     time.Time     `json:"time"`

	Text     *TextDeltaPayload `json:"text,omitempty"`
	Tool     *ToolStatePayload `json:"tool,omitempty"`
	Complete *CompletePayload  `json:"complete,omitempty"`
	Error    *ErrorPayload     `json:"error,omitempty"`
}

// TextDeltaPayload carries an incremental piece of assistant text.
type TextDeltaPayload struct {
	Delta string `json:"delta"`
}

// ToolStatePayload snapshots a tool invocation at a state transition.
// Consumers observe every transition in order; the engine never skips a
// state.
type ToolStatePayload struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	State      InvocationState `json:"state"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	ErrorText  string          `json:"error_text,omitempty"`
}

// CompletePayload ends a successful turn with the committed assistant
// message.
type CompletePayload struct {
	Message *ChatMessage `json:"message"`
	Steps   int          `json:"steps"`
}

// ErrorPayload ends a failed turn. The user's message stays durable; no
// assistant message was committed.
type ErrorPayload struct {
	Message string `json:"message"`
}
