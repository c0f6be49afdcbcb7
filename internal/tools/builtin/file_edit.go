package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"brood/internal/llm"
	"brood/internal/tools"
)

type fileEdit struct{}

// NewFileEdit returns the file_edit tool: exact string replacement with a
// diff summary in the result.
func NewFileEdit() tools.Tool {
	return &fileEdit{}
}

func (t *fileEdit) Definition() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "file_edit",
		Description: "Replace an exact text fragment in a file",
		InputSchema: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"path":       {Type: "string", Description: "File path, relative to the workspace"},
				"old_string": {Type: "string", Description: "Exact text to replace; must occur exactly once"},
				"new_string": {Type: "string", Description: "Replacement text"},
			},
			Required: []string{"path", "old_string", "new_string"},
		},
	}
}

func (t *fileEdit) Execute(ctx context.Context, call tools.ToolCall) *tools.ToolResult {
	path, _ := call.Input["path"].(string)
	oldStr, _ := call.Input["old_string"].(string)
	newStr, _ := call.Input["new_string"].(string)
	if path == "" || oldStr == "" {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("file_edit requires 'path' and a non-empty 'old_string'")}
	}

	resolved, err := tools.ScopeFrom(ctx).ResolvePath(path)
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}
	content := string(raw)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("old_string not found in %s", path)}
	}
	if count > 1 {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("old_string occurs %d times in %s; make it unique", count, path)}
	}

	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0644); err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}

	return &tools.ToolResult{CallID: call.ID, Content: fmt.Sprintf("edited %s\n%s", path, diffSummary(content, updated))}
}

// diffSummary renders a compact change summary for the tool result.
func diffSummary(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, true)
	dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	for _, d := range diffs {
		text := d.Text
		if len(text) > 200 {
			text = text[:200] + "…"
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			b.WriteString("+ " + text + "\n")
		case diffmatchpatch.DiffDelete:
			b.WriteString("- " + text + "\n")
		}
	}
	if b.Len() == 0 {
		return "(no changes)"
	}
	return strings.TrimRight(b.String(), "\n")
}
