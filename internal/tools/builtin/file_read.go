// Package builtin holds the tools exposed to worker agents: scoped file
// operations, shell execution and the ask-user round trip.
package builtin

import (
	"context"
	"fmt"
	"os"

	"brood/internal/llm"
	"brood/internal/tools"
)

const readLimit = 64 * 1024

type fileRead struct{}

// NewFileRead returns the file_read tool.
func NewFileRead() tools.Tool {
	return &fileRead{}
}

func (t *fileRead) Definition() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "file_read",
		Description: "Read file contents",
		InputSchema: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path": {Type: "string", Description: "File path, relative to the workspace"},
			},
			Required: []string{"path"},
		},
	}
}

func (t *fileRead) Execute(ctx context.Context, call tools.ToolCall) *tools.ToolResult {
	path, ok := call.Input["path"].(string)
	if !ok {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("missing 'path'")}
	}

	resolved, err := tools.ScopeFrom(ctx).ResolvePath(path)
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}
	text := string(content)
	if len(text) > readLimit {
		text = text[:readLimit] + fmt.Sprintf("\n… truncated, %d bytes total", len(content))
	}
	return &tools.ToolResult{CallID: call.ID, Content: text}
}
