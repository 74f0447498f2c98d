package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/loom/internal/agents"
	"github.com/haasonsaas/loom/internal/auth"
	"github.com/haasonsaas/loom/pkg/models"
)

// listAgents returns the agents the caller may select. Admin-only agents
// are visible to admins, and to everyone when auth is disabled.
func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	includeAdminOnly := true
	if user, ok := auth.UserFromContext(r.Context()); ok {
		includeAdminOnly = user.Admin
	}

	list, err := h.agents.List(r.Context(), includeAdminOnly)
	if err != nil {
		h.logger.Error("failed to list agents", "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"agents": list})
}

type agentRequest struct {
	DisplayName   *string                 `json:"display_name,omitempty"`
	Slug          *string                 `json:"slug,omitempty"`
	SystemPrompt  *string                 `json:"system_prompt,omitempty"`
	Provider      *string                 `json:"provider,omitempty"`
	Model         *string                 `json:"model,omitempty"`
	EnabledTools  []string                `json:"enabled_tools,omitempty"`
	ApprovalFlags map[string]bool         `json:"approval_flags,omitempty"`
	IsDefault     *bool                   `json:"is_default,omitempty"`
	Visibility    *models.AgentVisibility `json:"visibility,omitempty"`
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		h.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DisplayName == nil || *req.DisplayName == "" {
		h.jsonError(w, http.StatusBadRequest, "display_name is required")
		return
	}
	if req.Provider == nil || *req.Provider == "" || req.Model == nil || *req.Model == "" {
		h.jsonError(w, http.StatusBadRequest, "provider and model are required")
		return
	}

	record := &models.Agent{
		DisplayName: *req.DisplayName,
		Provider:    *req.Provider,
		Model:       *req.Model,
		Visibility:  models.VisibilityPublic,
	}
	if req.Slug != nil {
		record.Slug = *req.Slug
	}
	if req.SystemPrompt != nil {
		record.SystemPrompt = *req.SystemPrompt
	}
	if req.IsDefault != nil {
		record.IsDefault = *req.IsDefault
	}
	if req.Visibility != nil {
		if !validVisibility(*req.Visibility) {
			h.jsonError(w, http.StatusBadRequest, "visibility must be public or admin_only")
			return
		}
		record.Visibility = *req.Visibility
	}
	if err := encodeToolConfig(record, req.EnabledTools, req.ApprovalFlags); err != nil {
		h.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.agents.Create(r.Context(), record); err != nil {
		h.logger.Error("failed to create agent", "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to create agent")
		return
	}
	h.jsonResponse(w, http.StatusCreated, record)
}

func (h *Handler) updateAgent(w http.ResponseWriter, r *http.Request) {
	record, err := h.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			h.jsonError(w, http.StatusNotFound, "agent not found")
		} else {
			h.logger.Error("failed to load agent", "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to load agent")
		}
		return
	}

	var req agentRequest
	if err := decodeBody(r, &req); err != nil {
		h.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.DisplayName != nil {
		record.DisplayName = *req.DisplayName
	}
	if req.Slug != nil {
		record.Slug = *req.Slug
	}
	if req.SystemPrompt != nil {
		record.SystemPrompt = *req.SystemPrompt
	}
	if req.Provider != nil {
		record.Provider = *req.Provider
	}
	if req.Model != nil {
		record.Model = *req.Model
	}
	if req.IsDefault != nil {
		record.IsDefault = *req.IsDefault
	}
	if req.Visibility != nil {
		if !validVisibility(*req.Visibility) {
			h.jsonError(w, http.StatusBadRequest, "visibility must be public or admin_only")
			return
		}
		record.Visibility = *req.Visibility
	}
	if req.EnabledTools != nil || req.ApprovalFlags != nil {
		enabled := req.EnabledTools
		if enabled == nil {
			enabled = record.ToolSlugs()
		}
		flags := req.ApprovalFlags
		if flags == nil {
			// Keep existing flags, dropping any for tools no longer enabled.
			flags = record.ApprovalMap()
			enabledSet := make(map[string]bool, len(enabled))
			for _, slug := range enabled {
				enabledSet[slug] = true
			}
			for slug := range flags {
				if !enabledSet[slug] {
					delete(flags, slug)
				}
			}
		}
		if err := encodeToolConfig(record, enabled, flags); err != nil {
			h.jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.agents.Update(r.Context(), record); err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			h.jsonError(w, http.StatusNotFound, "agent not found")
		} else {
			h.logger.Error("failed to update agent", "agent_id", record.ID, "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to update agent")
		}
		return
	}
	h.jsonResponse(w, http.StatusOK, record)
}

func (h *Handler) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.agents.Delete(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			h.jsonError(w, http.StatusNotFound, "agent not found")
		} else {
			h.logger.Error("failed to delete agent", "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to delete agent")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func validVisibility(v models.AgentVisibility) bool {
	return v == models.VisibilityPublic || v == models.VisibilityAdminOnly
}

// encodeToolConfig rejects approval flags for tools that are not enabled,
// then stores both as JSON.
func encodeToolConfig(record *models.Agent, enabled []string, flags map[string]bool) error {
	enabledSet := make(map[string]bool, len(enabled))
	for _, slug := range enabled {
		enabledSet[slug] = true
	}
	for slug := range flags {
		if !enabledSet[slug] {
			return errors.New("approval_flags references a tool not in enabled_tools: " + slug)
		}
	}

	tools, err := json.Marshal(enabled)
	if err != nil {
		return err
	}
	record.EnabledTools = tools

	if flags == nil {
		record.ApprovalFlags = nil
		return nil
	}
	encoded, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	record.ApprovalFlags = encoded
	return nil
}
