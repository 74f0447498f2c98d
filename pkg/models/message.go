// Package models provides domain types for the Loom chat system.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates message part variants.
type PartType string

const (
	PartText           PartType = "text"
	PartToolInvocation PartType = "tool-invocation"
	PartFile           PartType = "file"
	PartReasoning      PartType = "reasoning"
	PartSource         PartType = "source"
)

// InvocationState is the lifecycle state of a single tool invocation.
// States are part of the persisted message shape, not just transient UI.
type InvocationState string

const (
	// InvocationInputStreaming means the model is still emitting the tool
	// call's arguments. No side effect has happened yet.
	InvocationInputStreaming InvocationState = "input-streaming"

	// InvocationInputAvailable means arguments are complete and the tool is
	// about to execute (or awaits an approval decision).
	InvocationInputAvailable InvocationState = "input-available"

	// InvocationRequiresApproval means execution is suspended pending an
	// explicit external decision.
	InvocationRequiresApproval InvocationState = "requires-approval"

	// InvocationOutputAvailable is the terminal success state.
	InvocationOutputAvailable InvocationState = "output-available"

	// InvocationOutputError is the terminal state for a failed execution.
	InvocationOutputError InvocationState = "output-error"

	// InvocationAbandoned is the terminal state after a denied approval.
	InvocationAbandoned InvocationState = "abandoned"
)

// legalTransitions encodes the per-invocation state machine:
//
//	input-streaming  -> input-available  -> output-available
//	input-available  -> output-error
//	input-available  -> requires-approval -> output-available | abandoned
var legalTransitions = map[InvocationState][]InvocationState{
	InvocationInputStreaming:   {InvocationInputAvailable},
	InvocationInputAvailable:   {InvocationOutputAvailable, InvocationOutputError, InvocationRequiresApproval},
	InvocationRequiresApproval: {InvocationOutputAvailable, InvocationOutputError, InvocationAbandoned},
}

// CanTransition reports whether moving from one invocation state to another
// is legal. Clients must never observe an illegal jump (e.g. input-streaming
// directly to output-available).
func CanTransition(from, to InvocationState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends an invocation's lifecycle.
func (s InvocationState) Terminal() bool {
	return len(legalTransitions[s]) == 0
}

// ToolInvocation records one model-initiated tool call and its lifecycle.
type ToolInvocation struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	State      InvocationState `json:"state"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	ErrorText  string          `json:"error_text,omitempty"`
}

// FileRef points at a durably stored media object.
type FileRef struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
}

// SourceRef cites an external source the assistant drew on.
type SourceRef struct {
	Ref string `json:"ref"`
}

// Part is one element of a message's ordered part sequence. Exactly one
// payload field is set for a given Type. The union only touches flexible
// encoding at the persistence edge; see EncodeParts and DecodeParts.
type Part struct {
	Type           PartType        `json:"type"`
	Text           string          `json:"text,omitempty"`
	ToolInvocation *ToolInvocation `json:"tool_invocation,omitempty"`
	File           *FileRef        `json:"file,omitempty"`
	Source         *SourceRef      `json:"source,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ReasoningPart builds a reasoning part.
func ReasoningPart(text string) Part {
	return Part{Type: PartReasoning, Text: text}
}

// InvocationPart builds a tool-invocation part.
func InvocationPart(inv *ToolInvocation) Part {
	return Part{Type: PartToolInvocation, ToolInvocation: inv}
}

// FilePart builds a file part.
func FilePart(url, mediaType string) Part {
	return Part{Type: PartFile, File: &FileRef{URL: url, MediaType: mediaType}}
}

// EncodeParts serializes a part sequence for storage.
func EncodeParts(parts []Part) ([]byte, error) {
	if parts == nil {
		parts = []Part{}
	}
	return json.Marshal(parts)
}

// DecodeParts parses a stored part sequence. Parsing is strict-or-default:
// malformed payloads yield an empty slice and parts with an unknown type
// are skipped, so schema evolution never breaks historical messages.
func DecodeParts(data []byte) []Part {
	if len(data) == 0 {
		return nil
	}
	var raw []Part
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	parts := make([]Part, 0, len(raw))
	for _, p := range raw {
		switch p.Type {
		case PartText, PartReasoning:
			parts = append(parts, p)
		case PartToolInvocation:
			if p.ToolInvocation != nil {
				parts = append(parts, p)
			}
		case PartFile:
			if p.File != nil {
				parts = append(parts, p)
			}
		case PartSource:
			if p.Source != nil {
				parts = append(parts, p)
			}
		}
	}
	return parts
}

// MessageMetadata carries optional enrichment recorded with a message.
type MessageMetadata struct {
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// ChatMessage is one message in a chat. CreatedAt totally orders a chat's
// messages and is the truncation key for edit and retry; the store writer
// guarantees monotonicity per chat.
type ChatMessage struct {
	ID        string           `json:"id"`
	ChatID    string           `json:"chat_id"`
	Role      Role             `json:"role"`
	Parts     []Part           `json:"parts"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// PlainText concatenates the message's text parts. Tool invocations,
// files, and reasoning are excluded.
func (m *ChatMessage) PlainText() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}
