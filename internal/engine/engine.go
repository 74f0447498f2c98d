// Package engine drives one conversational turn: stream the model, run
// tool invocations through their state machine, feed results back, and
// commit the assembled assistant message in a single write when the
// turn ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/loom/internal/agent"
	"github.com/haasonsaas/loom/internal/chats"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

const (
	defaultMaxTokens   = 4096
	defaultToolTimeout = 60 * time.Second
	defaultEventBuffer = 64

	// MaxTurnTextSize bounds accumulated assistant text per turn.
	MaxTurnTextSize = 1 << 20

	abandonedResultText = "tool execution was not approved"
)

// Phase identifies where in the turn loop an error occurred.
type Phase string

const (
	PhaseInit         Phase = "init"
	PhaseStream       Phase = "stream"
	PhaseExecuteTools Phase = "execute_tools"
	PhaseCommit       Phase = "commit"
)

// TurnError wraps a turn failure with its phase and step.
type TurnError struct {
	Phase Phase
	Step  int
	Cause error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in %s phase (step %d): %v", e.Phase, e.Step, e.Cause)
}

func (e *TurnError) Unwrap() error { return e.Cause }

// ErrUnknownProvider is returned when a descriptor names a provider the
// engine has no backend for.
var ErrUnknownProvider = errors.New("engine: unknown provider")

// TitleTrigger is notified when a chat completes its first exchange.
// Implementations run asynchronously; the engine never waits on them.
type TitleTrigger interface {
	ChatCompleted(ctx context.Context, chatID string)
}

// MediaStore persists tool artifacts and returns a serveable URL.
type MediaStore interface {
	Store(ctx context.Context, artifact tools.Artifact) (string, error)
}

// Config tunes per-turn limits.
type Config struct {
	// MaxTokens bounds each model call. Default: 4096.
	MaxTokens int

	// ToolTimeout bounds each tool execution. Default: 60s.
	ToolTimeout time.Duration

	// EventBuffer sizes the turn event channel. Default: 64.
	EventBuffer int
}

func sanitizeConfig(config *Config) *Config {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &cfg
}

// Engine runs turns. One Engine serves all chats; per-chat write
// exclusion is the transport's job (chats.LockManager).
type Engine struct {
	store     chats.Store
	registry  *tools.Registry
	providers map[string]agent.LLMProvider
	config    *Config

	gate    ApprovalGate
	titles  TitleTrigger
	media   MediaStore
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates an engine over the given store, tool registry, and model
// backends keyed by provider name.
func New(store chats.Store, registry *tools.Registry, providers map[string]agent.LLMProvider, config *Config) *Engine {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Engine{
		store:     store,
		registry:  registry,
		providers: providers,
		config:    sanitizeConfig(config),
		logger:    slog.Default(),
	}
}

// SetApprovalGate wires the approval decision source. Without a gate,
// flagged invocations are abandoned.
func (e *Engine) SetApprovalGate(gate ApprovalGate) { e.gate = gate }

// SetTitleTrigger wires the post-first-exchange title hook.
func (e *Engine) SetTitleTrigger(t TitleTrigger) { e.titles = t }

// SetMediaStore wires artifact persistence. Without it, tool artifacts
// are dropped with a log line.
func (e *Engine) SetMediaStore(m MediaStore) { e.media = m }

// SetMetrics wires turn instrumentation.
func (e *Engine) SetMetrics(m *observability.Metrics) { e.metrics = m }

// SetLogger replaces the default logger.
func (e *Engine) SetLogger(l *slog.Logger) {
	if l != nil {
		e.logger = l
	}
}

// TurnRequest is one user turn against one chat.
type TurnRequest struct {
	Chat       *models.Chat
	Descriptor *agent.Descriptor

	// UserText is the new user message. Empty means regenerate: the user
	// message is already the durable tail of the chat (after an edit, or
	// a retry that re-issues without new text), so nothing is appended.
	UserText string
}

// Run executes the turn and returns its ordered event stream. The
// channel closes when the turn ends, after either a turn-complete or a
// turn-error event.
//
// ctx governs the turn's model and tool work. Callers that stream to a
// client must pass a context detached from the connection: a client
// disconnect must not abort the turn, the commit still happens.
func (e *Engine) Run(ctx context.Context, req *TurnRequest) (<-chan *models.TurnEvent, error) {
	if req == nil || req.Chat == nil || req.Descriptor == nil {
		return nil, errors.New("engine: chat and descriptor are required")
	}
	provider, ok := e.providers[req.Descriptor.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Descriptor.Provider)
	}

	em := newEmitter(e.config.EventBuffer)
	go e.run(ctx, req, provider, em)
	return em.ch, nil
}

func (e *Engine) run(ctx context.Context, req *TurnRequest, provider agent.LLMProvider, em *emitter) {
	defer em.close()

	start := time.Now()
	desc := req.Descriptor
	chatID := req.Chat.ID
	logger := e.logger.With("chat_id", chatID, "agent_id", desc.AgentID)

	// The user's message is durable before any model work, so a failed
	// turn never loses their input. A regeneration turn carries no text:
	// the user message is already the tail of the chat.
	if req.UserText != "" {
		userMsg := &models.ChatMessage{
			Role:  models.RoleUser,
			Parts: []models.Part{models.TextPart(req.UserText)},
		}
		if err := e.store.AppendMessage(ctx, chatID, userMsg); err != nil {
			e.abort(em, logger, start, &TurnError{Phase: PhaseInit, Cause: err})
			return
		}
	}

	stored, err := e.store.ListMessages(ctx, chatID)
	if err != nil {
		e.abort(em, logger, start, &TurnError{Phase: PhaseInit, Cause: err})
		return
	}
	if req.UserText == "" {
		if len(stored) == 0 || stored[len(stored)-1].Role != models.RoleUser {
			e.abort(em, logger, start, &TurnError{Phase: PhaseInit,
				Cause: errors.New("regeneration requires a user message at the end of the chat")})
			return
		}
	}
	firstExchange := len(stored) == 1 && req.Chat.Title == ""
	history := buildHistory(stored)

	var turnParts []models.Part
	var inputTokens, outputTokens int
	steps := 0

	for step := 0; step < desc.MaxSteps; step++ {
		steps = step + 1

		select {
		case <-ctx.Done():
			e.abort(em, logger, start, &TurnError{Phase: PhaseStream, Step: step, Cause: ctx.Err()})
			return
		default:
		}

		result, err := e.streamStep(ctx, provider, desc, history, em, &turnParts)
		if err != nil {
			// A model failure aborts the whole turn: nothing
			// assistant-side is persisted, the user message stays.
			e.abort(em, logger, start, &TurnError{Phase: PhaseStream, Step: step, Cause: err})
			return
		}
		inputTokens += result.inputTokens
		outputTokens += result.outputTokens
		if e.metrics != nil {
			e.metrics.ObserveLLMCall(provider.Name(), desc.Model, result.duration, result.inputTokens, result.outputTokens)
		}

		if len(result.pending) == 0 {
			break
		}

		results := e.executeInvocations(ctx, chatID, desc, result.pending, em, &turnParts, logger)

		// Feed this step back so the next model call sees the calls and
		// their outcomes.
		history = append(history, agent.CompletionMessage{
			Role:      string(models.RoleAssistant),
			Content:   result.text,
			ToolCalls: callsOf(result.pending),
		})
		history = append(history, agent.CompletionMessage{
			Role:        "tool",
			ToolResults: results,
		})
	}

	final := &models.ChatMessage{
		Role:  models.RoleAssistant,
		Parts: turnParts,
		Metadata: &models.MessageMetadata{
			Model:        desc.Model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		},
	}
	if err := e.store.AppendMessage(ctx, chatID, final); err != nil {
		e.abort(em, logger, start, &TurnError{Phase: PhaseCommit, Step: steps, Cause: err})
		return
	}

	em.complete(final, steps)
	if e.metrics != nil {
		e.metrics.ObserveTurn(desc.AgentID, "completed", steps, time.Since(start))
	}
	logger.Info("turn completed", "steps", steps, "input_tokens", inputTokens, "output_tokens", outputTokens)

	if firstExchange && e.titles != nil {
		e.titles.ChatCompleted(context.WithoutCancel(ctx), chatID)
	}
}

func (e *Engine) abort(em *emitter, logger *slog.Logger, start time.Time, terr *TurnError) {
	logger.Error("turn aborted", "phase", string(terr.Phase), "step", terr.Step, "error", terr.Cause)
	if e.metrics != nil {
		e.metrics.ObserveTurn("", "aborted", terr.Step, time.Since(start))
	}
	em.fail(terr.Error())
}

// stepResult is the outcome of one model call.
type stepResult struct {
	text         string
	pending      []*models.ToolInvocation
	inputTokens  int
	outputTokens int
	duration     time.Duration
}

// streamStep runs one model call, forwarding text deltas and driving
// pending invocations through input-streaming and input-available.
// Parts are appended to turnParts in emission order.
func (e *Engine) streamStep(ctx context.Context, provider agent.LLMProvider, desc *agent.Descriptor, history []agent.CompletionMessage, em *emitter, turnParts *[]models.Part) (*stepResult, error) {
	callStart := time.Now()

	stream, err := provider.Complete(ctx, &agent.CompletionRequest{
		Model:     desc.Model,
		System:    desc.SystemPrompt,
		Messages:  history,
		Tools:     desc.ToolList(),
		MaxTokens: e.config.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	res := &stepResult{}
	byCall := make(map[string]*models.ToolInvocation)
	var text, reasoning strings.Builder
	total := 0

	flushText := func() {
		if text.Len() > 0 {
			*turnParts = append(*turnParts, models.TextPart(text.String()))
			res.text += text.String()
			text.Reset()
		}
		if reasoning.Len() > 0 {
			*turnParts = append(*turnParts, models.ReasoningPart(reasoning.String()))
			reasoning.Reset()
		}
	}

	openInvocation := func(ref *agent.ToolCallRef) *models.ToolInvocation {
		flushText()
		inv := &models.ToolInvocation{
			ToolCallID: ref.ID,
			ToolName:   ref.Name,
			State:      models.InvocationInputStreaming,
		}
		byCall[ref.ID] = inv
		res.pending = append(res.pending, inv)
		*turnParts = append(*turnParts, models.InvocationPart(inv))
		em.toolState(inv)
		return inv
	}

	for chunk := range stream {
		if chunk.Error != nil {
			return nil, chunk.Error
		}

		if chunk.Text != "" {
			total += len(chunk.Text)
			if total > MaxTurnTextSize {
				return nil, fmt.Errorf("engine: response text exceeds %d bytes", MaxTurnTextSize)
			}
			text.WriteString(chunk.Text)
			em.textDelta(chunk.Text)
		}
		if chunk.Reasoning != "" {
			reasoning.WriteString(chunk.Reasoning)
		}

		if chunk.ToolCallStart != nil {
			openInvocation(chunk.ToolCallStart)
		}
		if chunk.ToolCall != nil {
			inv, ok := byCall[chunk.ToolCall.ID]
			if !ok {
				// Provider skipped the start announcement; open the
				// invocation so no transition is skipped downstream.
				inv = openInvocation(&agent.ToolCallRef{ID: chunk.ToolCall.ID, Name: chunk.ToolCall.Name})
			}
			inv.Input = chunk.ToolCall.Input
			e.advance(inv, models.InvocationInputAvailable, em)
		}

		if chunk.Done {
			res.inputTokens = chunk.InputTokens
			res.outputTokens = chunk.OutputTokens
		}
	}

	flushText()
	res.duration = time.Since(callStart)
	return res, nil
}

// executeInvocations takes every invocation from input-available to a
// terminal state and returns the results fed back to the model.
func (e *Engine) executeInvocations(ctx context.Context, chatID string, desc *agent.Descriptor, pending []*models.ToolInvocation, em *emitter, turnParts *[]models.Part, logger *slog.Logger) []agent.ToolResult {
	results := make([]agent.ToolResult, 0, len(pending))

	for _, inv := range pending {
		rt, known := desc.Tools[inv.ToolName]
		if known && rt.RequiresApproval {
			e.advance(inv, models.InvocationRequiresApproval, em)

			if !e.approved(ctx, chatID, inv, logger) {
				e.advance(inv, models.InvocationAbandoned, em)
				results = append(results, agent.ToolResult{
					ToolCallID: inv.ToolCallID,
					Content:    abandonedResultText,
					IsError:    true,
				})
				if e.metrics != nil {
					e.metrics.ObserveToolExecution(inv.ToolName, "abandoned", 0)
				}
				continue
			}
		}

		started := time.Now()
		execCtx, cancel := context.WithTimeout(ctx, e.config.ToolTimeout)
		res, err := e.registry.Execute(execCtx, inv.ToolName, inv.Input)
		cancel()
		elapsed := time.Since(started)

		if err == nil && res == nil {
			err = fmt.Errorf("tool %q returned no result", inv.ToolName)
		}

		outcome := "ok"
		switch {
		case err != nil:
			inv.ErrorText = err.Error()
			e.advance(inv, models.InvocationOutputError, em)
			results = append(results, agent.ToolResult{ToolCallID: inv.ToolCallID, Content: inv.ErrorText, IsError: true})
			outcome = "error"
		case res.IsError:
			inv.ErrorText = res.Content
			e.advance(inv, models.InvocationOutputError, em)
			results = append(results, agent.ToolResult{ToolCallID: inv.ToolCallID, Content: res.Content, IsError: true})
			outcome = "error"
		default:
			inv.Output = res.Content
			e.advance(inv, models.InvocationOutputAvailable, em)
			results = append(results, agent.ToolResult{ToolCallID: inv.ToolCallID, Content: res.Content})
		}
		if e.metrics != nil {
			e.metrics.ObserveToolExecution(inv.ToolName, outcome, elapsed)
		}

		if res != nil && len(res.Artifacts) > 0 {
			e.storeArtifacts(ctx, res.Artifacts, turnParts, logger)
		}
	}
	return results
}

// approved asks the gate for a decision. No gate means denied: an
// approval-flagged tool with nothing wired to approve it fails closed.
func (e *Engine) approved(ctx context.Context, chatID string, inv *models.ToolInvocation, logger *slog.Logger) bool {
	if e.gate == nil {
		return false
	}
	decision, err := e.gate.Decide(ctx, chatID, agent.ToolCallRef{ID: inv.ToolCallID, Name: inv.ToolName}, inv.Input)
	if err != nil {
		logger.Warn("approval gate failed, denying", "tool", inv.ToolName, "error", err)
		return false
	}
	return decision == ApprovalAllowed
}

func (e *Engine) storeArtifacts(ctx context.Context, artifacts []tools.Artifact, turnParts *[]models.Part, logger *slog.Logger) {
	if e.media == nil {
		logger.Warn("dropping tool artifacts, no media store configured", "count", len(artifacts))
		return
	}
	for _, a := range artifacts {
		url, err := e.media.Store(ctx, a)
		if err != nil {
			logger.Warn("artifact upload failed", "filename", a.Filename, "error", err)
			continue
		}
		*turnParts = append(*turnParts, models.FilePart(url, a.MediaType))
	}
}

// advance moves an invocation to the next state and emits the
// transition. The loop only requests legal moves; an illegal one is a
// bug and is logged rather than forwarded.
func (e *Engine) advance(inv *models.ToolInvocation, to models.InvocationState, em *emitter) {
	if !models.CanTransition(inv.State, to) {
		e.logger.Error("illegal invocation transition",
			"tool", inv.ToolName, "from", string(inv.State), "to", string(to))
		return
	}
	inv.State = to
	em.toolState(inv)
}

func callsOf(pending []*models.ToolInvocation) []agent.ToolCall {
	out := make([]agent.ToolCall, 0, len(pending))
	for _, inv := range pending {
		out = append(out, agent.ToolCall{ID: inv.ToolCallID, Name: inv.ToolName, Input: inv.Input})
	}
	return out
}
