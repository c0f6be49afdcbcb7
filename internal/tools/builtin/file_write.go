package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"brood/internal/llm"
	"brood/internal/tools"
)

type fileWrite struct{}

// NewFileWrite returns the file_write tool.
func NewFileWrite() tools.Tool {
	return &fileWrite{}
}

func (t *fileWrite) Definition() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "file_write",
		Description: "Create or overwrite a file with the given content",
		InputSchema: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path":    {Type: "string", Description: "File path, relative to the workspace"},
				"content": {Type: "string", Description: "Full file content"},
			},
			Required: []string{"path", "content"},
		},
	}
}

func (t *fileWrite) Execute(ctx context.Context, call tools.ToolCall) *tools.ToolResult {
	path, _ := call.Input["path"].(string)
	content, ok := call.Input["content"].(string)
	if path == "" || !ok {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("file_write requires 'path' and 'content'")}
	}

	resolved, err := tools.ScopeFrom(ctx).ResolvePath(path)
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}
	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}
	return &tools.ToolResult{CallID: call.ID, Content: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}
}
