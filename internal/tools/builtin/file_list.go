package builtin

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"brood/internal/llm"
	"brood/internal/tools"
)

const listLimit = 500

type fileList struct{}

// NewFileList returns the list_files tool.
func NewFileList() tools.Tool {
	return &fileList{}
}

func (t *fileList) Definition() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "list_files",
		Description: "List files under a directory, recursively",
		InputSchema: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path": {Type: "string", Description: "Directory to list; defaults to the workspace root"},
			},
		},
	}
}

func (t *fileList) Execute(ctx context.Context, call tools.ToolCall) *tools.ToolResult {
	path, _ := call.Input["path"].(string)
	if path == "" {
		path = "."
	}

	scope := tools.ScopeFrom(ctx)
	resolved, err := scope.ResolvePath(path)
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}

	var lines []string
	err = filepath.WalkDir(resolved, func(entry string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		name := d.Name()
		if d.IsDir() && (name == ".git" || name == "node_modules" || name == "vendor") {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(resolved, entry)
		if relErr != nil {
			return nil
		}
		lines = append(lines, rel)
		if len(lines) >= listLimit {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}

	if len(lines) == 0 {
		return &tools.ToolResult{CallID: call.ID, Content: "(empty)"}
	}
	out := strings.Join(lines, "\n")
	if len(lines) >= listLimit {
		out += fmt.Sprintf("\n… truncated at %d entries", listLimit)
	}
	return &tools.ToolResult{CallID: call.ID, Content: out}
}
