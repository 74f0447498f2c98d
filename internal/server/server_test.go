package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/agents"
	"github.com/haasonsaas/loom/internal/chats"
	"github.com/haasonsaas/loom/internal/engine"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// scriptedProvider replays a fixed chunk script per Complete call, one
// script per model step.
type scriptedProvider struct {
	mu      sync.Mutex
	scripts [][]*agent.CompletionChunk
	calls   int
}

func (p *scriptedProvider) Complete(_ context.Context, _ *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	script := []*agent.CompletionChunk{{Done: true}}
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	}
	p.calls++
	p.mu.Unlock()

	ch := make(chan *agent.CompletionChunk, len(script))
	for _, chunk := range script {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string        { return "scripted" }
func (p *scriptedProvider) SupportsTools() bool { return true }

type stubTool struct {
	name   string
	result *tools.Result
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "test tool" }
func (t *stubTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (t *stubTool) Execute(context.Context, json.RawMessage) (*tools.Result, error) {
	return t.result, nil
}

type testEnv struct {
	handler  http.Handler
	store    chats.Store
	dir      agents.Directory
	provider *scriptedProvider
	locks    *chats.LockManager
}

func newTestEnv(t *testing.T, scripts [][]*agent.CompletionChunk) *testEnv {
	t.Helper()

	store := chats.NewMemoryStore()
	dir := agents.NewMemoryDirectory()

	registry := tools.NewRegistry()
	registry.Register(&stubTool{name: "echo", result: &tools.Result{Content: "echoed"}})
	registry.Register(&stubTool{name: "guarded", result: &tools.Result{Content: "guarded output"}})

	provider := &scriptedProvider{scripts: scripts}
	eng := engine.New(store, registry, map[string]agent.LLMProvider{"scripted": provider}, nil)

	locks := chats.NewLockManager(time.Minute)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	handler, err := NewHandler(Config{
		Store:    store,
		Locks:    locks,
		Agents:   dir,
		Engine:   eng,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	return &testEnv{
		handler:  handler.Routes(),
		store:    store,
		dir:      dir,
		provider: provider,
		locks:    locks,
	}
}

func (env *testEnv) seedAgent(t *testing.T, approvalFlags map[string]bool) *models.Agent {
	t.Helper()
	flags, _ := json.Marshal(approvalFlags)
	record := &models.Agent{
		DisplayName:   "Helper",
		Provider:      "scripted",
		Model:         "test-model",
		EnabledTools:  json.RawMessage(`["echo","guarded"]`),
		ApprovalFlags: flags,
		IsDefault:     true,
		Visibility:    models.VisibilityPublic,
	}
	if err := env.dir.Create(context.Background(), record); err != nil {
		t.Fatalf("seed agent: %v", err)
	}
	return record
}

func (env *testEnv) seedChat(t *testing.T, agentID string) *models.Chat {
	t.Helper()
	chat := &models.Chat{UserID: localUserID, AgentID: agentID}
	if err := env.store.CreateChat(context.Background(), chat); err != nil {
		t.Fatalf("seed chat: %v", err)
	}
	return chat
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
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
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func textTurn(text string) []*agent.CompletionChunk {
	return []*agent.CompletionChunk{
		{Text: text},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateChatUsesDefaultAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	record := env.seedAgent(t, nil)

	rec := env.do(t, http.MethodPost, "/api/chats", map[string]any{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	chat := decodeJSON[models.Chat](t, rec)
	if chat.AgentID != record.ID {
		t.Errorf("agent_id = %q, want default agent %q", chat.AgentID, record.ID)
	}
	if chat.ID == "" {
		t.Error("chat id not assigned")
	}
}

func TestCreateChatNoDefaultAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/chats", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateChatUnknownAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/api/chats", map[string]any{"agent_id": "nope"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetChatNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/api/chats/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSoftDeletedChatReadsAsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	record := env.seedAgent(t, nil)
	chat := env.seedChat(t, record.ID)

	rec := env.do(t, http.MethodDelete, "/api/chats/"+chat.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/chats/"+chat.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", rec.Code)
	}
}

func TestUpdateChatSwitchesAgentAndTitle(t *testing.T) {
	env := newTestEnv(t, nil)
	record := env.seedAgent(t, nil)
	second := &models.Agent{DisplayName: "Second", Provider: "scripted", Model: "test-model"}
	if err := env.dir.Create(context.Background(), second); err != nil {
		t.Fatalf("create second agent: %v", err)
	}
	chat := env.seedChat(t, record.ID)

	rec := env.do(t, http.MethodPatch, "/api/chats/"+chat.ID, map[string]any{
		"agent_id": second.ID,
		"title":    "Renamed",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	updated := decodeJSON[models.Chat](t, rec)
	if updated.AgentID != second.ID {
		t.Errorf("agent_id = %q, want %q", updated.AgentID, second.ID)
	}
	if updated.Title != "Renamed" {
		t.Errorf("title = %q, want Renamed", updated.Title)
	}
}

// sseEvents parses an SSE body into its decoded turn events.
func sseEvents(t *testing.T, body string) []*models.TurnEvent {
	t.Helper()
	var events []*models.TurnEvent
	for _, block := range strings.Split(body, "\n\n") {
		for _, line := range strings.Split(block, "\n") {
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var ev models.TurnEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					t.Fatalf("bad SSE payload %q: %v", data, err)
				}
				events = append(events, &ev)
			}
		}
	}
	return events
}

func TestSendMessageStreamsTurn(t *testing.T) {
	env := newTestEnv(t, [][]*agent.CompletionChunk{textTurn("Hello there")})
	record := env.seedAgent(t, nil)
	chat := env.seedChat(t, record.ID)

	rec := env.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", map[string]any{"text": "hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	events := sseEvents(t, rec.Body.String())
	if len(events) < 2 {
		t.Fatalf("got %d events, want text delta plus completion", len(events))
	}
	if events[0].Type != models.TurnEventTextDelta || events[0].Text.Delta != "Hello there" {
		t.Errorf("first event = %+v, want text delta", events[0])
	}
	last := events[len(events)-1]
	if last.Type != models.TurnEventComplete {
		t.Fatalf("last event type = %q, want turn-complete", last.Type)
	}
	if got := last.Complete.Message.PlainText(); got != "Hello there" {
		t.Errorf("committed text = %q", got)
	}

	messages, err := env.store.ListMessages(context.Background(), chat.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d stored messages, want user and assistant", len(messages))
	}
	if messages[0].Role != models.RoleUser || messages[0].PlainText() != "hi" {
		t.Errorf("first stored message = %+v", messages[0])
	}
	if messages[1].Role != models.RoleAssistant {
		t.Errorf("second stored role = %q", messages[1].Role)
	}
}

func TestSendMessageRequiresText(t *testing.T) {
	env := newTestEnv(t, nil)
	record := env.seedAgent(t, nil)
	chat := env.seedChat(t, record.ID)

	rec := env.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", map[string]any{"text": "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSendMessageConflictsWithRunningTurn(t *testing.T) {
	env := newTestEnv(t, [][]*agent.CompletionChunk{textTurn("ok")})
	record := env.seedAgent(t, nil)
	chat := env.seedChat(t, record.ID)

	release, ok := env.locks.TryAcquire(chat.ID, "other")
	if !ok {
		t.Fatal("setup lock failed")
	}
	defer release()

	rec := env.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", map[string]any{"text": "hi"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestSendMessageReleasesLease(t *testing.T) {
	env := newTestEnv(t, [][]*agent.CompletionChunk{textTurn("one"), textTurn("two")})
	record := env.seedAgent(t, nil)
	chat := env.seedChat(t, record.ID)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", map[string]any{"text": fmt.Sprintf("turn %d", i)})
		if rec.Code != http.StatusOK {
			t.Fatalf("turn %d status = %d", i, rec.Code)
		}
	}
	if env.locks.IsLocked(chat.ID) {
		t.Error("lease still held after turn ended")
	}
}

func TestSendMessageApprovedToolRuns(t *testing.T) {
	env := newTestEnv(t, [][]*agent.CompletionChunk{
		{
			{ToolCallStart: &agent.ToolCallRef{ID: "call-1", Name: "guarded"}},
			{ToolCall: &agent.ToolCall{ID: "call-1", Name: "guarded", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		textTurn("done"),
	})
	record := env.seedAgent(t, map[string]bool{"guarded": true})
	chat := env.seedChat(t, record.ID)

	rec := env.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", map[string]any{
		"text":          "run it",
		"approve_tools": []string{"guarded"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var states []models.InvocationState
	for _, ev := range sseEvents(t, rec.Body.String()) {
		if ev.Type == models.TurnEventToolState {
			states = append(states, ev.Tool.State)
		}
	}
	want := []models.InvocationState{
		models.InvocationInputStreaming,
		models.InvocationInputAvailable,
		models.InvocationRequiresApproval,
		models.InvocationOutputAvailable,
	}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state[%d] = %q, want %q", i, states[i], want[i])
		}
	}
}

func TestSendMessageUnapprovedToolAbandoned(t *testing.T) {
	env := newTestEnv(t, [][]*agent.CompletionChunk{
		{
			{ToolCallStart: &agent.ToolCallRef{ID: "call-1", Name: "guarded"}},
			{ToolCall: &agent.ToolCall{ID: "call-1", Name: "guarded", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		textTurn("done"),
	})
	record := env.seedAgent(t, map[string]bool{"guarded": true})
	chat := env.seedChat(t, record.ID)

	rec := env.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", map[string]any{"text": "run it"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var final models.InvocationState
	for _, ev := range sseEvents(t, rec.Body.String()) {
		if ev.Type == models.TurnEventToolState {
			final = ev.Tool.State
		}
	}
	if final != models.InvocationAbandoned {
		t.Errorf("final tool state = %q, want abandoned", final)
	}
}

func TestListMessages(t *testing.T) {
	env := newTestEnv(t, [][]*agent.CompletionChunk{textTurn("reply")})
	record := env.seedAgent(t, nil)
	chat := env.seedChat(t, record.ID)

	if rec := env.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", map[string]any{"text": "hi"}); rec.Code != http.StatusOK {
		t.Fatalf("send status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/chats/"+chat.ID+"/messages", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeJSON[struct {
		Messages []*models.ChatMessage `json:"messages"`
	}](t, rec)
	if len(body.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(body.Messages))
	}
}

func TestForceApprovalOverridesAgentFlags(t *testing.T) {
	store := chats.NewMemoryStore()
	dir := agents.NewMemoryDirectory()
	registry := tools.NewRegistry()
	registry.Register(&stubTool{name: "echo", result: &tools.Result{Content: "echoed"}})

	provider := &scriptedProvider{scripts: [][]*agent.CompletionChunk{
		{
			{ToolCallStart: &agent.ToolCallRef{ID: "call-1", Name: "echo"}},
			{ToolCall: &agent.ToolCall{ID: "call-1", Name: "echo", Input: json.RawMessage(`{}`)}},
			{Done: true},
		},
		textTurn("done"),
	}}
	eng := engine.New(store, registry, map[string]agent.LLMProvider{"scripted": provider}, nil)

	handler, err := NewHandler(Config{
		Store:         store,
		Agents:        dir,
		Engine:        eng,
		Registry:      registry,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		ForceApproval: []string{"echo"},
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	env := &testEnv{handler: handler.Routes(), store: store, dir: dir, provider: provider}

	// The agent itself does not flag echo for approval.
	record := &models.Agent{
		DisplayName:  "Helper",
		Provider:     "scripted",
		Model:        "test-model",
		EnabledTools: json.RawMessage(`["echo"]`),
	}
	if err := env.dir.Create(context.Background(), record); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	chat := env.seedChat(t, record.ID)

	rec := env.do(t, http.MethodPost, "/api/chats/"+chat.ID+"/messages", map[string]any{"text": "go"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sawRequiresApproval bool
	var final models.InvocationState
	for _, ev := range sseEvents(t, rec.Body.String()) {
		if ev.Type == models.TurnEventToolState {
			if ev.Tool.State == models.InvocationRequiresApproval {
				sawRequiresApproval = true
			}
			final = ev.Tool.State
		}
	}
	if !sawRequiresApproval {
		t.Error("globally flagged tool never entered requires-approval")
	}
	if final != models.InvocationAbandoned {
		t.Errorf("final state = %q, want abandoned without a grant", final)
	}
}

func TestNewHandlerRequiresRegistry(t *testing.T) {
	store := chats.NewMemoryStore()
	dir := agents.NewMemoryDirectory()
	registry := tools.NewRegistry()
	eng := engine.New(store, registry, nil, nil)

	if _, err := NewHandler(Config{Store: store, Agents: dir, Engine: eng}); err == nil {
		t.Fatal("NewHandler without a tool registry should fail")
	}
}
