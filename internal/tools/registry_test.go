package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type echoTool struct {
	name   string
	schema string
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes its input" }
func (t *echoTool) Schema() json.RawMessage {
	if t.schema != "" {
		return json.RawMessage(t.schema)
	}
	return json.RawMessage(`{"type":"object","properties":{"value":{"type":"string"}},"required":["value"]}`)
}

func (t *echoTool) Execute(_ context.Context, input json.RawMessage) (*Result, error) {
	return &Result{Content: string(input)}, nil
}

func TestRegistry_ResolveAndList(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "echo"})

	if _, ok := reg.Resolve("echo"); !ok {
		t.Fatal("expected echo to resolve")
	}
	if _, ok := reg.Resolve("missing"); ok {
		t.Fatal("missing slug should not resolve")
	}
	if got := len(reg.List()); got != 1 {
		t.Fatalf("List() returned %d tools, want 1", got)
	}
}

func TestRegistry_ExecuteUnknownToolIsSoftError(t *testing.T) {
	reg := NewRegistry()
	res, err := reg.Execute(context.Background(), "nope", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "tool not found") {
		t.Errorf("result = %+v, want not-found error result", res)
	}
}

func TestRegistry_SchemaValidation(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "echo"})

	res, err := reg.Execute(context.Background(), "echo", json.RawMessage(`{"other":1}`))
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "schema validation") {
		t.Errorf("result = %+v, want schema validation failure", res)
	}

	res, err = reg.Execute(context.Background(), "echo", json.RawMessage(`{"value":"hi"}`))
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if res.IsError {
		t.Errorf("valid input rejected: %+v", res)
	}
}

func TestRegistry_InvalidSchemaToleratedAtRegistration(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "loose", schema: `{not a schema`})

	// The tool still executes; validation is simply skipped.
	res, err := reg.Execute(context.Background(), "loose", json.RawMessage(`{"anything":true}`))
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if res.IsError {
		t.Errorf("result = %+v, want success without validation", res)
	}
}

func TestRegistry_OversizedInputRejected(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "echo"})

	big := json.RawMessage(`{"value":"` + strings.Repeat("x", MaxInputSize) + `"}`)
	res, err := reg.Execute(context.Background(), "echo", big)
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if !res.IsError {
		t.Error("oversized input should produce an error result")
	}
}

func TestRegistry_EmptyInputNormalized(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&echoTool{name: "noargs", schema: `{"type":"object"}`})

	res, err := reg.Execute(context.Background(), "noargs", nil)
	if err != nil {
		t.Fatalf("unexpected hard error: %v", err)
	}
	if res.IsError {
		t.Errorf("nil input should validate against an open object schema: %+v", res)
	}
}
