// Package titles derives chat titles from the first exchange. Title
// generation is best-effort enrichment: it runs asynchronously after a
// turn commits and a failure only means the chat keeps its empty title.
package titles

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/chats"
	"github.com/haasonsaas/loom/pkg/models"
)

const (
	// MaxTitleRunes caps generated titles.
	MaxTitleRunes = 50

	defaultTimeout = 15 * time.Second

	prompt = "Generate a concise title (at most a few words) for the " +
		"conversation below. Reply with the title only, no quotes, no " +
		"punctuation around it."
)

// Generator produces chat titles with a cheap model call.
type Generator struct {
	store    chats.Store
	provider agent.LLMProvider
	model    string
	timeout  time.Duration
	logger   *slog.Logger

	// done is signaled after each generation attempt. Tests use it to
	// wait without sleeping.
	done chan struct{}
}

// NewGenerator creates a title generator. model names the cheap model
// used for the call; it is independent of the chat's own agent model.
func NewGenerator(store chats.Store, provider agent.LLMProvider, model string, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:    store,
		provider: provider,
		model:    model,
		timeout:  defaultTimeout,
		logger:   logger,
		done:     make(chan struct{}, 16),
	}
}

// ChatCompleted fires title generation for a chat in the background.
// Implements the engine's title trigger.
func (g *Generator) ChatCompleted(ctx context.Context, chatID string) {
	go func() {
		defer func() {
			select {
			case g.done <- struct{}{}:
			default:
			}
		}()
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		if err := g.generate(runCtx, chatID); err != nil {
			g.logger.Warn("title generation failed", "chat_id", chatID, "error", err)
		}
	}()
}

// Wait blocks until one pending generation attempt finishes.
func (g *Generator) Wait(timeout time.Duration) bool {
	select {
	case <-g.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (g *Generator) generate(ctx context.Context, chatID string) error {
	chat, err := g.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.Title != "" {
		return nil
	}

	msgs, err := g.store.ListMessages(ctx, chatID)
	if err != nil {
		return err
	}
	transcript := firstExchange(msgs)
	if transcript == "" {
		return nil
	}

	stream, err := g.provider.Complete(ctx, &agent.CompletionRequest{
		Model: g.model,
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: prompt + "\n\n" + transcript},
		},
		MaxTokens: 64,
	})
	if err != nil {
		return err
	}

	var b strings.Builder
	for chunk := range stream {
		if chunk.Error != nil {
			return chunk.Error
		}
		b.WriteString(chunk.Text)
	}

	title := Sanitize(b.String())
	if title == "" {
		return nil
	}
	return g.store.SetChatTitle(ctx, chatID, title)
}

// firstExchange flattens the opening user and assistant messages into a
// short transcript for the prompt.
func firstExchange(msgs []*models.ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		text := m.PlainText()
		if text == "" {
			continue
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
		if b.Len() > 2000 {
			break
		}
	}
	return b.String()
}

// Sanitize normalizes model output into a usable title: surrounding
// quotes and whitespace stripped, capped at MaxTitleRunes.
func Sanitize(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSpace(title)

	// Titles are single-line; keep only the first.
	if i := strings.IndexAny(title, "\r\n"); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}

	if utf8.RuneCountInString(title) > MaxTitleRunes {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:MaxTitleRunes]))
	}
	return title
}
