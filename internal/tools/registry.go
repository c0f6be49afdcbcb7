// Package tools implements the tool-dispatch contract: named tools with
// JSON-schema inputs, a sandboxed filesystem scope, and a registry that
// validates and executes calls on behalf of agent loops.
package tools

import (
	"context"
	"fmt"
	"sync"

	"brood/internal/llm"
	"brood/internal/logging"
)

// ToolCall is a request to execute one tool.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult is the execution outcome. Err marks tool-level failures; these
// are injected back into the conversation, never propagated as Go errors.
type ToolResult struct {
	CallID  string
	Content string
	Err     error
}

// Tool executes a single tool call.
type Tool interface {
	Definition() llm.ToolSchema
	Execute(ctx context.Context, call ToolCall) *ToolResult
}

// Registry holds the tools available to one agent.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logging.NewComponentLogger("tool-registry"),
	}
}

// Register adds a tool; duplicate names are rejected.
func (r *Registry) Register(tool Tool) error {
	name := tool.Definition().Name
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool, nil
}

// Definitions returns the schemas in registration order.
func (r *Registry) Definitions() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Names returns the tool names in registration order. Agent loops execute
// requested tools in this order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Dispatch resolves the named tool, validates the input against its schema
// and executes it. Failures come back as a ToolResult with Err set so the
// agent loop can hand the message to the model.
func (r *Registry) Dispatch(ctx context.Context, call ToolCall) *ToolResult {
	tool, err := r.Get(call.Name)
	if err != nil {
		return &ToolResult{CallID: call.ID, Err: err}
	}

	if err := validateInput(tool.Definition().InputSchema, call.Input); err != nil {
		r.logger.Debug("Tool %s rejected input: %v", call.Name, err)
		return &ToolResult{CallID: call.ID, Err: fmt.Errorf("invalid input for %s: %w", call.Name, err)}
	}

	result := tool.Execute(ctx, call)
	if result == nil {
		return &ToolResult{CallID: call.ID, Err: fmt.Errorf("tool %s returned no result", call.Name)}
	}
	result.CallID = call.ID
	return result
}

// validateInput checks required fields and primitive types against the
// declared JSON-Schema subset.
func validateInput(schema llm.ParameterSchema, input map[string]any) error {
	for _, required := range schema.Required {
		if _, ok := input[required]; !ok {
			return fmt.Errorf("missing required field %q", required)
		}
	}
	for key, value := range input {
		prop, ok := schema.Properties[key]
		if !ok {
			// Unknown fields are tolerated; models pad inputs freely.
			continue
		}
		if value == nil {
			continue
		}
		if err := checkType(prop.Type, value); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
	}
	return nil
}

func checkType(declared string, value any) error {
	switch declared {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case "number", "integer":
		switch value.(type) {
		case float64, float32, int, int64, int32:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	}
	return nil
}
