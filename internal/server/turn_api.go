package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/agents"
	"github.com/haasonsaas/loom/internal/engine"
	"github.com/haasonsaas/loom/pkg/models"
)

type sendMessageRequest struct {
	Text string `json:"text"`

	// ApproveTools pre-approves the named tools for this turn. An
	// approval-flagged tool not listed here is abandoned.
	ApproveTools []string `json:"approve_tools,omitempty"`
}

// sendMessage runs one turn and streams its events as SSE. The chat's
// write lease is held for the whole turn; a concurrent send conflicts.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatForRequest(w, r)
	if !ok {
		return
	}

	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		h.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		// No new text means regenerate: allowed only when the chat
		// already ends with a user message, as after an edit.
		msgs, err := h.store.ListMessages(r.Context(), chat.ID)
		if err != nil {
			h.logger.Error("failed to list messages", "chat_id", chat.ID, "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to list messages")
			return
		}
		if len(msgs) == 0 || msgs[len(msgs)-1].Role != models.RoleUser {
			h.jsonError(w, http.StatusBadRequest, "text is required")
			return
		}
	}

	release, ok := h.locks.TryAcquire(chat.ID, requestUserID(r))
	if !ok {
		h.jsonError(w, http.StatusConflict, "a turn is already running for this chat")
		return
	}
	defer release()

	desc, ok := h.resolveDescriptor(w, r, chat)
	if !ok {
		return
	}

	// The turn must survive a client disconnect: the engine runs on a
	// context detached from the connection, and the stream loop below
	// keeps draining (without writing) once the client is gone so the
	// commit still happens and the lease is released at the true end.
	turnCtx := withApprovals(context.WithoutCancel(r.Context()), req.ApproveTools)

	events, err := h.engine.Run(turnCtx, &engine.TurnRequest{
		Chat:       chat,
		Descriptor: desc,
		UserText:   text,
	})
	if err != nil {
		h.logger.Error("failed to start turn", "chat_id", chat.ID, "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to start turn")
		return
	}

	h.streamEvents(w, r, chat.ID, events)
}

// resolveDescriptor loads the chat's agent record and resolves it to a
// runtime descriptor.
func (h *Handler) resolveDescriptor(w http.ResponseWriter, r *http.Request, chat *models.Chat) (*agent.Descriptor, bool) {
	record, err := h.agents.Get(r.Context(), chat.AgentID)
	if err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			h.jsonError(w, http.StatusConflict, "the chat's agent no longer exists")
		} else {
			h.logger.Error("failed to load agent", "agent_id", chat.AgentID, "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to load agent")
		}
		return nil, false
	}
	desc := agent.Resolve(record, h.registry, h.logger)
	for slug, rt := range desc.Tools {
		if h.forceApproval[slug] {
			rt.RequiresApproval = true
			desc.Tools[slug] = rt
		}
	}
	return desc, true
}

// streamEvents forwards the turn's event channel as server-sent events.
// Once a write fails the client is treated as gone and the remaining
// events are drained silently so the turn runs to completion.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, chatID string, events <-chan *models.TurnEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	clientGone := false

	for event := range events {
		if clientGone {
			continue
		}
		if err := writeSSE(w, event); err != nil {
			h.logger.Info("client disconnected mid-turn, finishing turn",
				"chat_id", chatID, "error", err)
			clientGone = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event *models.TurnEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
