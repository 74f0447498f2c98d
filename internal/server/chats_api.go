package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/haasonsaas/loom/internal/agents"
	"github.com/haasonsaas/loom/internal/auth"
	"github.com/haasonsaas/loom/internal/chats"
	"github.com/haasonsaas/loom/pkg/models"
)

// localUserID owns all chats when auth is disabled.
const localUserID = "local"

const defaultChatListLimit = 50

func requestUserID(r *http.Request) string {
	if user, ok := auth.UserFromContext(r.Context()); ok {
		return user.ID
	}
	return localUserID
}

// chatForRequest loads the chat and enforces ownership. Chats belonging
// to other users and soft-deleted chats both read as not found.
func (h *Handler) chatForRequest(w http.ResponseWriter, r *http.Request) (*models.Chat, bool) {
	chatID := r.PathValue("id")
	chat, err := h.store.GetChat(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, chats.ErrChatNotFound) {
			h.jsonError(w, http.StatusNotFound, "chat not found")
		} else {
			h.logger.Error("failed to load chat", "chat_id", chatID, "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to load chat")
		}
		return nil, false
	}
	if chat.Deleted() || chat.UserID != requestUserID(r) {
		h.jsonError(w, http.StatusNotFound, "chat not found")
		return nil, false
	}
	return chat, true
}

func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) {
	limit := defaultChatListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.jsonError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := h.store.ListChats(r.Context(), requestUserID(r), limit)
	if err != nil {
		h.logger.Error("failed to list chats", "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"chats": list})
}

type createChatRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Title   string `json:"title,omitempty"`
}

func (h *Handler) createChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		h.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		def, err := h.agents.Default(r.Context())
		if err != nil {
			if errors.Is(err, agents.ErrNoDefaultAgent) {
				h.jsonError(w, http.StatusBadRequest, "no agent_id given and no default agent configured")
			} else {
				h.logger.Error("failed to resolve default agent", "error", err)
				h.jsonError(w, http.StatusInternalServerError, "failed to resolve default agent")
			}
			return
		}
		agentID = def.ID
	} else if _, err := h.agents.Get(r.Context(), agentID); err != nil {
		if errors.Is(err, agents.ErrAgentNotFound) {
			h.jsonError(w, http.StatusBadRequest, "unknown agent_id")
		} else {
			h.logger.Error("failed to load agent", "agent_id", agentID, "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to load agent")
		}
		return
	}

	chat := &models.Chat{
		UserID:  requestUserID(r),
		AgentID: agentID,
		Title:   req.Title,
	}
	if err := h.store.CreateChat(r.Context(), chat); err != nil {
		h.logger.Error("failed to create chat", "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}
	h.jsonResponse(w, http.StatusCreated, chat)
}

func (h *Handler) getChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatForRequest(w, r)
	if !ok {
		return
	}
	h.jsonResponse(w, http.StatusOK, chat)
}

type updateChatRequest struct {
	AgentID *string `json:"agent_id,omitempty"`
	Title   *string `json:"title,omitempty"`
}

// updateChat switches the agent in effect or renames the chat. Neither
// touches history or recency ordering.
func (h *Handler) updateChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatForRequest(w, r)
	if !ok {
		return
	}

	var req updateChatRequest
	if err := decodeBody(r, &req); err != nil {
		h.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AgentID == nil && req.Title == nil {
		h.jsonError(w, http.StatusBadRequest, "nothing to update")
		return
	}

	if req.AgentID != nil {
		if _, err := h.agents.Get(r.Context(), *req.AgentID); err != nil {
			if errors.Is(err, agents.ErrAgentNotFound) {
				h.jsonError(w, http.StatusBadRequest, "unknown agent_id")
			} else {
				h.logger.Error("failed to load agent", "agent_id", *req.AgentID, "error", err)
				h.jsonError(w, http.StatusInternalServerError, "failed to load agent")
			}
			return
		}
		if err := h.store.SetChatAgent(r.Context(), chat.ID, *req.AgentID); err != nil {
			h.logger.Error("failed to switch chat agent", "chat_id", chat.ID, "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to switch agent")
			return
		}
		chat.AgentID = *req.AgentID
	}
	if req.Title != nil {
		if err := h.store.SetChatTitle(r.Context(), chat.ID, *req.Title); err != nil {
			h.logger.Error("failed to rename chat", "chat_id", chat.ID, "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to rename chat")
			return
		}
		chat.Title = *req.Title
	}

	h.jsonResponse(w, http.StatusOK, chat)
}

func (h *Handler) deleteChat(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatForRequest(w, r)
	if !ok {
		return
	}
	if err := h.store.SoftDeleteChat(r.Context(), chat.ID); err != nil {
		h.logger.Error("failed to delete chat", "chat_id", chat.ID, "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to delete chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatForRequest(w, r)
	if !ok {
		return
	}
	messages, err := h.store.ListMessages(r.Context(), chat.ID)
	if err != nil {
		h.logger.Error("failed to list messages", "chat_id", chat.ID, "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"messages": messages})
}
