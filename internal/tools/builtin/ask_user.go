package builtin

import (
	"context"
	"fmt"

	"brood/internal/llm"
	"brood/internal/tools"
)

// Asker posts a question to the session layer and blocks until the user
// answers or the prompt times out. Implementations return the fixed
// no-response marker on timeout, never an error for silence.
type Asker interface {
	Ask(ctx context.Context, question, extra string) (string, error)
}

type askUser struct {
	asker Asker
}

// NewAskUser returns the ask_user tool bound to a session prompt broker.
func NewAskUser(asker Asker) tools.Tool {
	return &askUser{asker: asker}
}

func (t *askUser) Definition() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "ask_user",
		Description: "Ask the user a question and wait for their answer",
		InputSchema: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"question": {Type: "string", Description: "The question to ask"},
				"context":  {Type: "string", Description: "Optional context shown alongside the question"},
			},
			Required: []string{"question"},
		},
	}
}

func (t *askUser) Execute(ctx context.Context, call tools.ToolCall) *tools.ToolResult {
	question, ok := call.Input["question"].(string)
	if !ok || question == "" {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("missing 'question'")}
	}
	extra, _ := call.Input["context"].(string)

	if t.asker == nil {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("no interactive session attached")}
	}

	answer, err := t.asker.Ask(ctx, question, extra)
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}
	return &tools.ToolResult{CallID: call.ID, Content: answer}
}
