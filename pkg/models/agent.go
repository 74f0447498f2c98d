package models

import (
	"encoding/json"
	"time"
)

// AgentVisibility controls who may select an agent for a chat.
type AgentVisibility string

const (
	VisibilityPublic    AgentVisibility = "public"
	VisibilityAdminOnly AgentVisibility = "admin_only"
)

// Agent is an admin-authored agent configuration: a system prompt, a model,
// and an enabled tool set. At most one agent system-wide may have
// IsDefault set; the agent directory's mutation path enforces that.
type Agent struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	Slug         string `json:"slug"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`

	// EnabledTools holds tool slugs as a stored JSON array. Order is
	// irrelevant. Malformed JSON decodes to the empty set.
	EnabledTools json.RawMessage `json:"enabled_tools,omitempty"`

	// ApprovalFlags maps tool slug -> requires-approval, stored as a JSON
	// object. A missing slug defaults to false (auto-execute).
	ApprovalFlags json.RawMessage `json:"approval_flags,omitempty"`

	IsDefault  bool            `json:"is_default"`
	Visibility AgentVisibility `json:"visibility"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ToolSlugs decodes the enabled tool list, defaulting to empty on
// malformed or missing JSON.
func (a *Agent) ToolSlugs() []string {
	if len(a.EnabledTools) == 0 {
		return nil
	}
	var slugs []string
	if err := json.Unmarshal(a.EnabledTools, &slugs); err != nil {
		return nil
	}
	return slugs
}

// ApprovalMap decodes the per-tool approval flags, defaulting to empty on
// malformed or missing JSON.
func (a *Agent) ApprovalMap() map[string]bool {
	if len(a.ApprovalFlags) == 0 {
		return nil
	}
	var flags map[string]bool
	if err := json.Unmarshal(a.ApprovalFlags, &flags); err != nil {
		return nil
	}
	return flags
}
