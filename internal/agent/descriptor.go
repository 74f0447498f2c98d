package agent

import (
	"log/slog"

	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// DefaultMaxSteps bounds the tool-calling loop for every turn regardless of
// model behavior.
const DefaultMaxSteps = 10

// ResolvedTool pairs a capability with its approval policy for one agent.
type ResolvedTool struct {
	Tool tools.Tool

	// RequiresApproval suspends execution pending an external decision.
	// False means auto-execute.
	RequiresApproval bool
}

// Descriptor is the immutable runtime view of a stored agent record:
// resolved model handle, system instructions, the usable tool subset with
// approval policy attached, and the step ceiling.
type Descriptor struct {
	AgentID      string
	Provider     string
	Model        string
	SystemPrompt string
	Tools        map[string]ResolvedTool
	MaxSteps     int
}

// Resolve builds a Descriptor from a stored agent record. Malformed tool
// configuration degrades to the empty set; enabled slugs missing from the
// registry are logged and skipped so an agent with a dangling tool reference
// stays usable with its remaining tools.
func Resolve(record *models.Agent, registry *tools.Registry, logger *slog.Logger) *Descriptor {
	if logger == nil {
		logger = slog.Default()
	}

	desc := &Descriptor{
		AgentID:      record.ID,
		Provider:     record.Provider,
		Model:        record.Model,
		SystemPrompt: record.SystemPrompt,
		Tools:        make(map[string]ResolvedTool),
		MaxSteps:     DefaultMaxSteps,
	}

	approvals := record.ApprovalMap()
	for _, slug := range record.ToolSlugs() {
		tool, ok := registry.Resolve(slug)
		if !ok {
			logger.Warn("agent references unknown tool, skipping",
				"agent_id", record.ID,
				"agent_slug", record.Slug,
				"tool", slug,
			)
			continue
		}
		desc.Tools[slug] = ResolvedTool{
			Tool:             tool,
			RequiresApproval: approvals[slug],
		}
	}

	return desc
}

// ToolList returns the descriptor's tools for passing to a provider.
func (d *Descriptor) ToolList() []tools.Tool {
	out := make([]tools.Tool, 0, len(d.Tools))
	for _, rt := range d.Tools {
		out = append(out, rt.Tool)
	}
	return out
}
