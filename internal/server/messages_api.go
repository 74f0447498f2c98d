package server

import (
	"errors"
	"net/http"

	"github.com/haasonsaas/loom/internal/chats"
	"github.com/haasonsaas/loom/pkg/models"
)

type editMessageRequest struct {
	Text string `json:"text"`

	// Confirm acknowledges that every message after the target will be
	// removed. Without it, a destructive edit is refused with the count
	// of messages at stake.
	Confirm bool `json:"confirm,omitempty"`
}

// editMessage rewrites a user message in place and truncates everything
// after it. The message keeps its identity and becomes the tail of the
// conversation, ready for a fresh send.
func (h *Handler) editMessage(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatForRequest(w, r)
	if !ok {
		return
	}

	var req editMessageRequest
	if err := decodeBody(r, &req); err != nil {
		h.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		h.jsonError(w, http.StatusBadRequest, "text is required")
		return
	}

	release, ok := h.locks.TryAcquire(chat.ID, requestUserID(r))
	if !ok {
		h.jsonError(w, http.StatusConflict, "a turn is already running for this chat")
		return
	}
	defer release()

	anchor, ok := h.messageForRequest(w, r, chat.ID)
	if !ok {
		return
	}
	if anchor.Role != models.RoleUser {
		h.jsonError(w, http.StatusBadRequest, "only user messages can be edited")
		return
	}

	trailing, err := h.countTrailing(r, chat.ID, anchor)
	if err != nil {
		h.logger.Error("failed to count trailing messages", "chat_id", chat.ID, "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to inspect chat history")
		return
	}
	if trailing > 0 && !req.Confirm {
		h.jsonResponse(w, http.StatusConflict, map[string]any{
			"error":            "edit would remove later messages; retry with confirm",
			"confirm_required": true,
			"messages_at_risk": trailing,
		})
		return
	}

	removed, err := h.store.EditUserMessage(r.Context(), chat.ID, anchor.ID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, chats.ErrMessageNotFound):
			h.jsonError(w, http.StatusNotFound, "message not found")
		case errors.Is(err, chats.ErrNotUserMessage):
			h.jsonError(w, http.StatusBadRequest, "only user messages can be edited")
		default:
			h.logger.Error("failed to edit message", "chat_id", chat.ID, "message_id", anchor.ID, "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to edit message")
		}
		return
	}

	updated, err := h.store.GetMessage(r.Context(), chat.ID, anchor.ID)
	if err != nil {
		h.logger.Error("failed to reload edited message", "chat_id", chat.ID, "message_id", anchor.ID, "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to reload message")
		return
	}

	h.jsonResponse(w, http.StatusOK, map[string]any{
		"message": updated,
		"removed": removed,
	})
}

// deleteMessage removes the target message and everything after it,
// returning the target's original text so a retry can re-issue it as a
// brand-new turn. Retrying anything older than the latest exchange
// destroys later exchanges too, so it requires ?confirm=true.
func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	chat, ok := h.chatForRequest(w, r)
	if !ok {
		return
	}

	release, ok := h.locks.TryAcquire(chat.ID, requestUserID(r))
	if !ok {
		h.jsonError(w, http.StatusConflict, "a turn is already running for this chat")
		return
	}
	defer release()

	anchor, ok := h.messageForRequest(w, r, chat.ID)
	if !ok {
		return
	}
	text := anchor.PlainText()

	all, err := h.store.ListMessages(r.Context(), chat.ID)
	if err != nil {
		h.logger.Error("failed to list messages", "chat_id", chat.ID, "error", err)
		h.jsonError(w, http.StatusInternalServerError, "failed to inspect chat history")
		return
	}
	trailing := 0
	laterExchange := false
	for _, m := range all {
		if m.CreatedAt.After(anchor.CreatedAt) {
			trailing++
			if m.Role == models.RoleUser {
				laterExchange = true
			}
		}
	}
	if laterExchange && r.URL.Query().Get("confirm") != "true" {
		h.jsonResponse(w, http.StatusConflict, map[string]any{
			"error":            "delete would remove later exchanges; retry with confirm",
			"confirm_required": true,
			"messages_at_risk": trailing,
		})
		return
	}

	removed, err := h.store.DeleteFromMessage(r.Context(), chat.ID, anchor.ID)
	if err != nil {
		if errors.Is(err, chats.ErrMessageNotFound) {
			h.jsonError(w, http.StatusNotFound, "message not found")
		} else {
			h.logger.Error("failed to delete messages", "chat_id", chat.ID, "message_id", anchor.ID, "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to delete messages")
		}
		return
	}

	h.jsonResponse(w, http.StatusOK, map[string]any{
		"removed": removed,
		"text":    text,
	})
}

func (h *Handler) messageForRequest(w http.ResponseWriter, r *http.Request, chatID string) (*models.ChatMessage, bool) {
	messageID := r.PathValue("mid")
	msg, err := h.store.GetMessage(r.Context(), chatID, messageID)
	if err != nil {
		if errors.Is(err, chats.ErrMessageNotFound) {
			h.jsonError(w, http.StatusNotFound, "message not found")
		} else {
			h.logger.Error("failed to load message", "chat_id", chatID, "message_id", messageID, "error", err)
			h.jsonError(w, http.StatusInternalServerError, "failed to load message")
		}
		return nil, false
	}
	return msg, true
}

func (h *Handler) countTrailing(r *http.Request, chatID string, anchor *models.ChatMessage) (int, error) {
	all, err := h.store.ListMessages(r.Context(), chatID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range all {
		if m.CreatedAt.After(anchor.CreatedAt) {
			count++
		}
	}
	return count, nil
}
