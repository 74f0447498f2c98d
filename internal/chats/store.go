// Package chats owns durable chat and message records: ordered append,
// timestamp-keyed truncation, and the edit and retry primitives built on it.
package chats

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/loom/pkg/models"
)

var (
	// ErrChatNotFound is returned when a chat id does not resolve.
	ErrChatNotFound = errors.New("chats: chat not found")

	// ErrMessageNotFound is returned when a message id does not resolve
	// within the given chat.
	ErrMessageNotFound = errors.New("chats: message not found")

	// ErrNotUserMessage is returned when an edit targets a message whose
	// role is not "user".
	ErrNotUserMessage = errors.New("chats: only user messages can be edited")
)

// Store is the interface for chat persistence.
//
// Message CreatedAt totally orders a chat's messages; implementations
// guarantee strict monotonicity per chat on append (callers serialize
// writers per chat, see LockManager). TruncateAfter and the edit/retry
// operations key on that timestamp, not on insertion order.
type Store interface {
	// Chat lifecycle
	CreateChat(ctx context.Context, chat *models.Chat) error
	GetChat(ctx context.Context, id string) (*models.Chat, error)
	// ListChats returns the user's live chats, most recently active first.
	ListChats(ctx context.Context, userID string, limit int) ([]*models.Chat, error)
	// SetChatAgent switches the agent in effect without touching history
	// or recency ordering.
	SetChatAgent(ctx context.Context, chatID, agentID string) error
	// SetChatTitle renames a chat. Metadata only: UpdatedAt is untouched.
	SetChatTitle(ctx context.Context, chatID, title string) error
	SoftDeleteChat(ctx context.Context, chatID string) error

	// Message history
	AppendMessage(ctx context.Context, chatID string, msg *models.ChatMessage) error
	ListMessages(ctx context.Context, chatID string) ([]*models.ChatMessage, error)
	GetMessage(ctx context.Context, chatID, messageID string) (*models.ChatMessage, error)

	// TruncateAfter deletes every message with CreatedAt strictly greater
	// than after, returning the count deleted.
	TruncateAfter(ctx context.Context, chatID string, after time.Time) (int, error)

	// EditUserMessage truncates after the target message and overwrites
	// its parts with a single text part, as one logical unit. The target
	// keeps its identity and becomes the tail of the conversation.
	// Returns the count of trailing messages removed.
	EditUserMessage(ctx context.Context, chatID, messageID, newText string) (int, error)

	// DeleteFromMessage deletes the target message and everything after
	// it. Retry re-issues the removed user text as a brand-new turn with
	// fresh identifiers. Returns the count of messages removed.
	DeleteFromMessage(ctx context.Context, chatID, messageID string) (int, error)
}

// nextTimestamp keeps per-chat CreatedAt strictly increasing even when the
// wall clock does not advance between appends.
func nextTimestamp(now, last time.Time) time.Time {
	if !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}
