// Package server is the HTTP surface: chat CRUD, turn streaming over SSE,
// message edit/retry, and the agent admin endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/loom/internal/agents"
	"github.com/haasonsaas/loom/internal/auth"
	"github.com/haasonsaas/loom/internal/chats"
	"github.com/haasonsaas/loom/internal/engine"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/tools"
)

// lockTTL bounds how long a send request may hold a chat's write lease.
const lockTTL = 30 * time.Second

// Config wires the handler's collaborators.
type Config struct {
	Store    chats.Store
	Locks    *chats.LockManager
	Agents   agents.Directory
	Engine   *engine.Engine
	Registry *tools.Registry
	Auth     *auth.Service
	Metrics  *observability.Metrics
	Logger   *slog.Logger

	// ForceApproval names tools that always require a per-turn grant,
	// regardless of the agent's own approval flags.
	ForceApproval []string
}

// Handler serves the API. Build it with NewHandler and mount Routes().
type Handler struct {
	store    chats.Store
	locks    *chats.LockManager
	agents   agents.Directory
	engine   *engine.Engine
	registry *tools.Registry
	auth     *auth.Service
	metrics  *observability.Metrics
	logger   *slog.Logger

	forceApproval map[string]bool
}

// NewHandler builds the handler and points the engine's approval gate at
// the per-request approval set.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: chat store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Agents == nil {
		return nil, errors.New("server: agent directory is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("server: tool registry is required")
	}

	h := &Handler{
		store:    cfg.Store,
		locks:    cfg.Locks,
		agents:   cfg.Agents,
		engine:   cfg.Engine,
		registry: cfg.Registry,
		auth:     cfg.Auth,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
	if h.locks == nil {
		h.locks = chats.NewLockManager(lockTTL)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if len(cfg.ForceApproval) > 0 {
		h.forceApproval = make(map[string]bool, len(cfg.ForceApproval))
		for _, slug := range cfg.ForceApproval {
			h.forceApproval[slug] = true
		}
	}

	// Turn approvals arrive with the send request; the gate reads them
	// back out of the turn's context.
	h.engine.SetApprovalGate(contextGate{})

	return h, nil
}

// Routes assembles the ServeMux with logging, metrics, and auth applied to
// the API routes. /metrics and /healthz stay outside auth.
func (h *Handler) Routes() http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("GET /api/chats", h.listChats)
	api.HandleFunc("POST /api/chats", h.createChat)
	api.HandleFunc("GET /api/chats/{id}", h.getChat)
	api.HandleFunc("PATCH /api/chats/{id}", h.updateChat)
	api.HandleFunc("DELETE /api/chats/{id}", h.deleteChat)

	api.HandleFunc("GET /api/chats/{id}/messages", h.listMessages)
	api.HandleFunc("POST /api/chats/{id}/messages", h.sendMessage)
	api.HandleFunc("PATCH /api/chats/{id}/messages/{mid}", h.editMessage)
	api.HandleFunc("DELETE /api/chats/{id}/messages/{mid}", h.deleteMessage)

	api.HandleFunc("GET /api/agents", h.listAgents)
	api.Handle("POST /api/agents", auth.RequireAdmin(http.HandlerFunc(h.createAgent)))
	api.Handle("PATCH /api/agents/{id}", auth.RequireAdmin(http.HandlerFunc(h.updateAgent)))
	api.Handle("DELETE /api/agents/{id}", auth.RequireAdmin(http.HandlerFunc(h.deleteAgent)))

	var apiHandler http.Handler = api
	apiHandler = auth.Middleware(h.auth, h.logger)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.handleHealthz)

	return h.withObservability(mux)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Server owns the http.Server lifecycle around a Handler.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer binds the handler to an address.
func NewServer(host string, port int, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start listens and serves until Shutdown or a listener error.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.logger.Info("starting http server", "addr", s.httpServer.Addr)
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Warn("failed to encode response", "error", err)
		}
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, status int, message string) {
	h.jsonResponse(w, status, map[string]string{"error": message})
}

// errEmptyBody lets handlers with all-optional fields accept a bodyless
// request.
var errEmptyBody = errors.New("empty request body")

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
