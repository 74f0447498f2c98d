package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/agents"
	"github.com/haasonsaas/loom/internal/auth"
	"github.com/haasonsaas/loom/internal/chats"
	"github.com/haasonsaas/loom/internal/engine"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

func TestCreateAgentValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing display name", map[string]any{"provider": "scripted", "model": "m"}},
		{"missing provider", map[string]any{"display_name": "A", "model": "m"}},
		{"missing model", map[string]any{"display_name": "A", "provider": "scripted"}},
		{"bad visibility", map[string]any{"display_name": "A", "provider": "scripted", "model": "m", "visibility": "secret"}},
		{"flag without tool", map[string]any{
			"display_name": "A", "provider": "scripted", "model": "m",
			"approval_flags": map[string]bool{"weather": true},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/agents", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestCreateAgentDefaults(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/agents", map[string]any{
		"display_name":   "Weather Bot",
		"provider":       "scripted",
		"model":          "test-model",
		"enabled_tools":  []string{"echo"},
		"approval_flags": map[string]bool{"echo": true},
		"is_default":     true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	created := decodeJSON[models.Agent](t, rec)
	if created.ID == "" {
		t.Error("id not assigned")
	}
	if created.Slug != "weather-bot" {
		t.Errorf("slug = %q, want weather-bot", created.Slug)
	}
	if created.Visibility != models.VisibilityPublic {
		t.Errorf("visibility = %q, want public", created.Visibility)
	}
	if !created.ApprovalMap()["echo"] {
		t.Error("approval flag lost")
	}

	def, err := env.dir.Default(context.Background())
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if def.ID != created.ID {
		t.Error("created agent is not the default")
	}
}

func TestUpdateAgentPartial(t *testing.T) {
	env := newTestEnv(t, nil)
	record := env.seedAgent(t, map[string]bool{"guarded": true})

	rec := env.do(t, http.MethodPatch, "/api/agents/"+record.ID, map[string]any{
		"model": "new-model",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	updated := decodeJSON[models.Agent](t, rec)
	if updated.Model != "new-model" {
		t.Errorf("model = %q", updated.Model)
	}
	if updated.Provider != "scripted" {
		t.Errorf("provider changed to %q", updated.Provider)
	}
	if !updated.ApprovalMap()["guarded"] {
		t.Error("untouched approval flags lost")
	}
}

func TestUpdateAgentShrinkingToolsPrunesFlags(t *testing.T) {
	env := newTestEnv(t, nil)
	record := env.seedAgent(t, map[string]bool{"guarded": true})

	rec := env.do(t, http.MethodPatch, "/api/agents/"+record.ID, map[string]any{
		"enabled_tools": []string{"echo"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	updated := decodeJSON[models.Agent](t, rec)
	if len(updated.ApprovalMap()) != 0 {
		t.Errorf("approval flags = %v, want pruned", updated.ApprovalMap())
	}
}

func TestDeleteAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	record := env.seedAgent(t, nil)

	rec := env.do(t, http.MethodDelete, "/api/agents/"+record.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodDelete, "/api/agents/"+record.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

// newAuthedEnv builds a handler with API-key auth enabled: one admin
// key and one regular key.
func newAuthedEnv(t *testing.T) *testEnv {
	t.Helper()

	store := chats.NewMemoryStore()
	dir := agents.NewMemoryDirectory()
	registry := tools.NewRegistry()
	provider := &scriptedProvider{}
	eng := engine.New(store, registry, map[string]agent.LLMProvider{"scripted": provider}, nil)

	service := auth.NewService(auth.Config{APIKeys: []auth.APIKeyConfig{
		{Key: "admin-key", UserID: "admin", Admin: true},
		{Key: "user-key", UserID: "alice"},
	}})

	handler, err := NewHandler(Config{
		Store:    store,
		Agents:   dir,
		Engine:   eng,
		Registry: registry,
		Auth:     service,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &testEnv{handler: handler.Routes(), store: store, dir: dir, provider: provider}
}

func (env *testEnv) doAs(t *testing.T, apiKey, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func TestAgentMutationRequiresAdmin(t *testing.T) {
	env := newAuthedEnv(t)
	body := map[string]any{"display_name": "A", "provider": "scripted", "model": "m"}

	if rec := env.doAs(t, "", http.MethodPost, "/api/agents", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", rec.Code)
	}
	if rec := env.doAs(t, "user-key", http.MethodPost, "/api/agents", body); rec.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", rec.Code)
	}
	if rec := env.doAs(t, "admin-key", http.MethodPost, "/api/agents", body); rec.Code != http.StatusCreated {
		t.Errorf("admin status = %d, want 201", rec.Code)
	}
}

func TestAdminOnlyAgentHiddenFromRegularUsers(t *testing.T) {
	env := newAuthedEnv(t)
	hidden := &models.Agent{
		DisplayName: "Internal",
		Provider:    "scripted",
		Model:       "m",
		Visibility:  models.VisibilityAdminOnly,
	}
	public := &models.Agent{DisplayName: "Public", Provider: "scripted", Model: "m"}
	for _, a := range []*models.Agent{hidden, public} {
		if err := env.dir.Create(context.Background(), a); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	count := func(rec *httptest.ResponseRecorder) int {
		body := decodeJSON[struct {
			Agents []*models.Agent `json:"agents"`
		}](t, rec)
		return len(body.Agents)
	}

	if got := count(env.doAs(t, "user-key", http.MethodGet, "/api/agents", nil)); got != 1 {
		t.Errorf("regular user sees %d agents, want 1", got)
	}
	if got := count(env.doAs(t, "admin-key", http.MethodGet, "/api/agents", nil)); got != 2 {
		t.Errorf("admin sees %d agents, want 2", got)
	}
}

func TestChatsScopedToUser(t *testing.T) {
	env := newAuthedEnv(t)
	record := &models.Agent{DisplayName: "A", Provider: "scripted", Model: "m", IsDefault: true}
	if err := env.dir.Create(context.Background(), record); err != nil {
		t.Fatalf("create agent: %v", err)
	}

	rec := env.doAs(t, "user-key", http.MethodPost, "/api/chats", map[string]any{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create chat status = %d", rec.Code)
	}
	chat := decodeJSON[models.Chat](t, rec)
	if chat.UserID != "alice" {
		t.Errorf("chat owner = %q, want alice", chat.UserID)
	}

	// Another user's chat reads as not found.
	if rec := env.doAs(t, "admin-key", http.MethodGet, "/api/chats/"+chat.ID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("cross-user get status = %d, want 404", rec.Code)
	}
	if rec := env.doAs(t, "user-key", http.MethodGet, "/api/chats/"+chat.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("owner get status = %d, want 200", rec.Code)
	}
}
