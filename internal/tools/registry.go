// Package tools provides the tool registry and built-in tool capabilities
// available to agents.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is an executable capability the model can invoke.
type Tool interface {
	// Name returns the tool slug used for registry lookup and LLM function
	// calling. Must be alphanumeric plus underscores.
	Name() string

	// Description tells the LLM what the tool does and when to use it.
	Description() string

	// Schema returns the JSON Schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool. Failures are reported via Result.IsError so
	// the model can route around them; a returned error means the tool
	// itself misbehaved.
	Execute(ctx context.Context, input json.RawMessage) (*Result, error)
}

// Result is the output of one tool execution.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`

	// Artifacts holds media produced by the tool, uploaded by the engine
	// and attached to the assistant message as file parts.
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Artifact is a blob produced by a tool execution.
type Artifact struct {
	MediaType string `json:"media_type"`
	Filename  string `json:"filename,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

// Input size ceiling; oversized tool arguments are rejected before
// validation or execution.
const MaxInputSize = 1 << 20

// Registry maps tool slugs to capabilities. It is populated at startup and
// read-only afterwards; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. A tool with the same slug is replaced. An invalid
// input schema is tolerated: the tool is registered without validation.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(tool.Schema())); err == nil {
		if schema, err := compiler.Compile("schema.json"); err == nil {
			r.schemas[tool.Name()] = schema
			return
		}
	}
	delete(r.schemas, tool.Name())
}

// Resolve returns a tool by slug.
func (r *Registry) Resolve(slug string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[slug]
	return tool, ok
}

// List returns the registered tools in no particular order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Execute validates the input against the tool's schema and runs it.
// An unknown slug or invalid input is a soft error result, never a fault.
func (r *Registry) Execute(ctx context.Context, slug string, input json.RawMessage) (*Result, error) {
	if len(input) > MaxInputSize {
		return &Result{
			Content: fmt.Sprintf("tool input exceeds maximum size of %d bytes", MaxInputSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[slug]
	schema := r.schemas[slug]
	r.mu.RUnlock()
	if !ok {
		return &Result{Content: "tool not found: " + slug, IsError: true}, nil
	}

	if schema != nil {
		var decoded any
		if err := json.Unmarshal(normalizeInput(input), &decoded); err != nil {
			return &Result{Content: fmt.Sprintf("invalid tool input: %v", err), IsError: true}, nil
		}
		if err := schema.Validate(decoded); err != nil {
			return &Result{Content: fmt.Sprintf("tool input failed schema validation: %v", err), IsError: true}, nil
		}
	}

	return tool.Execute(ctx, normalizeInput(input))
}

// normalizeInput maps an absent argument payload to an empty object so
// zero-argument tools validate cleanly.
func normalizeInput(input json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(input)) == 0 {
		return json.RawMessage(`{}`)
	}
	return input
}
