package agents

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loom/pkg/models"
)

// MemoryDirectory is an in-memory Directory for tests and embedded runs.
//
// Thread Safety:
// MemoryDirectory is safe for concurrent use.
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{agents: make(map[string]*models.Agent)}
}

func cloneAgent(a *models.Agent) *models.Agent {
	c := *a
	if a.EnabledTools != nil {
		c.EnabledTools = append([]byte(nil), a.EnabledTools...)
	}
	if a.ApprovalFlags != nil {
		c.ApprovalFlags = append([]byte(nil), a.ApprovalFlags...)
	}
	return &c
}

func (d *MemoryDirectory) slugTakenLocked(slug, selfID string) bool {
	for id, a := range d.agents {
		if id != selfID && a.Slug == slug {
			return true
		}
	}
	return false
}

func (d *MemoryDirectory) clearDefaultLocked(exceptID string) {
	for id, a := range d.agents {
		if id != exceptID && a.IsDefault {
			a.IsDefault = false
			a.UpdatedAt = time.Now()
		}
	}
}

func (d *MemoryDirectory) Create(_ context.Context, agent *models.Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	base := agent.Slug
	if base == "" {
		base = Slugify(agent.DisplayName)
	}
	slug := base
	for n := 2; d.slugTakenLocked(slug, agent.ID); n++ {
		slug = base + "-" + strconv.Itoa(n)
	}
	agent.Slug = slug

	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Visibility == "" {
		agent.Visibility = models.VisibilityPublic
	}
	if agent.IsDefault {
		d.clearDefaultLocked(agent.ID)
	}
	d.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (d *MemoryDirectory) Get(_ context.Context, id string) (*models.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return cloneAgent(a), nil
}

func (d *MemoryDirectory) GetBySlug(_ context.Context, slug string) (*models.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.agents {
		if a.Slug == slug {
			return cloneAgent(a), nil
		}
	}
	return nil, ErrAgentNotFound
}

func (d *MemoryDirectory) List(_ context.Context, includeAdminOnly bool) ([]*models.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*models.Agent
	for _, a := range d.agents {
		if a.Visibility == models.VisibilityAdminOnly && !includeAdminOnly {
			continue
		}
		out = append(out, cloneAgent(a))
	}
	sortAgents(out)
	return out, nil
}

func (d *MemoryDirectory) Update(_ context.Context, agent *models.Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.agents[agent.ID]
	if !ok {
		return ErrAgentNotFound
	}

	base := agent.Slug
	if base == "" {
		base = Slugify(agent.DisplayName)
	}
	slug := base
	for n := 2; d.slugTakenLocked(slug, agent.ID); n++ {
		slug = base + "-" + strconv.Itoa(n)
	}
	agent.Slug = slug
	agent.CreatedAt = existing.CreatedAt
	agent.UpdatedAt = time.Now()

	if agent.IsDefault {
		d.clearDefaultLocked(agent.ID)
	}
	d.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (d *MemoryDirectory) SetDefault(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	target, ok := d.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	d.clearDefaultLocked(id)
	target.IsDefault = true
	target.UpdatedAt = time.Now()
	return nil
}

func (d *MemoryDirectory) Default(_ context.Context) (*models.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.agents {
		if a.IsDefault {
			return cloneAgent(a), nil
		}
	}
	return nil, ErrNoDefaultAgent
}

func sortAgents(agents []*models.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].DisplayName < agents[j].DisplayName
	})
}

func (d *MemoryDirectory) Delete(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.agents[id]; !ok {
		return ErrAgentNotFound
	}
	delete(d.agents, id)
	return nil
}
