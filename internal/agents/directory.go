// Package agents stores and mutates agent configurations. All mutations
// that can touch the default flag go through a single path so at most
// one agent is ever the system default.
package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/pkg/models"
)

var (
	// ErrAgentNotFound is returned when no agent matches the lookup.
	ErrAgentNotFound = errors.New("agents: agent not found")

	// ErrNoDefaultAgent is returned when no agent holds the default flag.
	ErrNoDefaultAgent = errors.New("agents: no default agent configured")
)

// Directory is the agent configuration store.
type Directory interface {
	// Create stores a new agent. A missing slug is derived from the
	// display name; a taken slug gets a deterministic numeric suffix.
	// IsDefault on the new agent clears any prior default atomically.
	Create(ctx context.Context, agent *models.Agent) error

	// Get returns the agent by id.
	Get(ctx context.Context, id string) (*models.Agent, error)

	// GetBySlug returns the agent by slug.
	GetBySlug(ctx context.Context, slug string) (*models.Agent, error)

	// List returns all agents. Admin-only agents are included only when
	// includeAdminOnly is set.
	List(ctx context.Context, includeAdminOnly bool) ([]*models.Agent, error)

	// Update rewrites an existing agent. A slug change is collision-checked
	// like Create; setting IsDefault clears any prior default atomically.
	Update(ctx context.Context, agent *models.Agent) error

	// SetDefault marks one agent as the system default, clearing the flag
	// from any other agent in the same transaction.
	SetDefault(ctx context.Context, id string) error

	// Default returns the current default agent, or ErrNoDefaultAgent.
	Default(ctx context.Context) (*models.Agent, error)

	// Delete removes an agent. Chats referencing it keep their agent id;
	// resolution of a deleted agent fails at turn time, not here.
	Delete(ctx context.Context, id string) error
}

// Slugify derives a URL-safe slug from a display name: lowercase,
// alphanumerics kept, everything else collapsed into single dashes.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		slug = "agent"
	}
	return slug
}

// uniqueSlug suffixes base with -2, -3… until taken reports it free.
// self is excluded so an update keeping its own slug is not a collision.
func uniqueSlug(ctx context.Context, base, selfID string, taken func(ctx context.Context, slug, selfID string) (bool, error)) (string, error) {
	inUse, err := taken(ctx, base, selfID)
	if err != nil {
		return "", err
	}
	if !inUse {
		return base, nil
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		inUse, err := taken(ctx, candidate, selfID)
		if err != nil {
			return "", err
		}
		if !inUse {
			return candidate, nil
		}
	}
}
