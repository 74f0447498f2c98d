package chats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	chats    map[string]*models.Chat
	messages map[string][]*models.ChatMessage // ordered by CreatedAt ascending
}

// NewMemoryStore creates a new in-memory chat store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:    map[string]*models.Chat{},
		messages: map[string][]*models.ChatMessage{},
	}
}

func (m *MemoryStore) CreateChat(_ context.Context, chat *models.Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneChat(chat)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	chat.ID = clone.ID
	chat.CreatedAt = clone.CreatedAt
	chat.UpdatedAt = clone.UpdatedAt
	m.chats[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetChat(_ context.Context, id string) (*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chat, ok := m.chats[id]
	if !ok {
		return nil, ErrChatNotFound
	}
	return cloneChat(chat), nil
}

func (m *MemoryStore) ListChats(_ context.Context, userID string, limit int) ([]*models.Chat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Chat, 0)
	for _, chat := range m.chats {
		if chat.UserID != userID || chat.Deleted() {
			continue
		}
		out = append(out, cloneChat(chat))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetChatAgent(_ context.Context, chatID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	chat.AgentID = agentID
	return nil
}

func (m *MemoryStore) SetChatTitle(_ context.Context, chatID, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	chat.Title = title
	return nil
}

func (m *MemoryStore) SoftDeleteChat(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	now := time.Now()
	chat.DeletedAt = &now
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, chatID string, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chat, ok := m.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}

	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	clone.ChatID = chatID

	var last time.Time
	if history := m.messages[chatID]; len(history) > 0 {
		last = history[len(history)-1].CreatedAt
	}
	clone.CreatedAt = nextTimestamp(time.Now(), last)

	msg.ID = clone.ID
	msg.ChatID = clone.ChatID
	msg.CreatedAt = clone.CreatedAt

	m.messages[chatID] = append(m.messages[chatID], clone)
	chat.UpdatedAt = clone.CreatedAt
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, chatID string) ([]*models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.chats[chatID]; !ok {
		return nil, ErrChatNotFound
	}
	history := m.messages[chatID]
	out := make([]*models.ChatMessage, len(history))
	for i, msg := range history {
		out[i] = cloneMessage(msg)
	}
	return out, nil
}

func (m *MemoryStore) GetMessage(_ context.Context, chatID, messageID string) (*models.ChatMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[chatID] {
		if msg.ID == messageID {
			return cloneMessage(msg), nil
		}
	}
	return nil, ErrMessageNotFound
}

func (m *MemoryStore) TruncateAfter(_ context.Context, chatID string, after time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.truncateAfterLocked(chatID, after), nil
}

func (m *MemoryStore) truncateAfterLocked(chatID string, after time.Time) int {
	history := m.messages[chatID]
	kept := history[:0]
	removed := 0
	for _, msg := range history {
		if msg.CreatedAt.After(after) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	m.messages[chatID] = kept
	return removed
}

func (m *MemoryStore) EditUserMessage(_ context.Context, chatID, messageID, newText string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.findLocked(chatID, messageID)
	if target == nil {
		return 0, ErrMessageNotFound
	}
	if target.Role != models.RoleUser {
		return 0, ErrNotUserMessage
	}

	removed := m.truncateAfterLocked(chatID, target.CreatedAt)
	target.Parts = []models.Part{models.TextPart(newText)}
	return removed, nil
}

func (m *MemoryStore) DeleteFromMessage(_ context.Context, chatID, messageID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.findLocked(chatID, messageID)
	if target == nil {
		return 0, ErrMessageNotFound
	}

	history := m.messages[chatID]
	kept := history[:0]
	removed := 0
	for _, msg := range history {
		if !msg.CreatedAt.Before(target.CreatedAt) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	m.messages[chatID] = kept
	return removed, nil
}

func (m *MemoryStore) findLocked(chatID, messageID string) *models.ChatMessage {
	for _, msg := range m.messages[chatID] {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}

func cloneChat(chat *models.Chat) *models.Chat {
	clone := *chat
	if chat.DeletedAt != nil {
		at := *chat.DeletedAt
		clone.DeletedAt = &at
	}
	return &clone
}

func cloneMessage(msg *models.ChatMessage) *models.ChatMessage {
	clone := *msg
	clone.Parts = append([]models.Part(nil), msg.Parts...)
	if msg.Metadata != nil {
		meta := *msg.Metadata
		clone.Metadata = &meta
	}
	return &clone
}
