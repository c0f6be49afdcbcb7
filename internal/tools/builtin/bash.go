package builtin

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"brood/internal/llm"
	"brood/internal/tools"
)

const (
	bashDefaultTimeout = 120 * time.Second
	bashOutputLimit    = 16 * 1024
)

type bash struct {
	timeout time.Duration
}

// NewBash returns the run_shell tool. Commands run inside the workspace
// directory with a hard timeout.
func NewBash(timeout time.Duration) tools.Tool {
	if timeout <= 0 {
		timeout = bashDefaultTimeout
	}
	return &bash{timeout: timeout}
}

func (t *bash) Definition() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "run_shell",
		Description: "Run a shell command in the project workspace",
		InputSchema: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"command": {Type: "string", Description: "Shell command to execute"},
			},
			Required: []string{"command"},
		},
	}
}

func (t *bash) Execute(ctx context.Context, call tools.ToolCall) *tools.ToolResult {
	command, ok := call.Input["command"].(string)
	if !ok || strings.TrimSpace(command) == "" {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("missing 'command'")}
	}

	scope := tools.ScopeFrom(ctx)
	if scope.WorkspaceDir == "" {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("no workspace configured")}
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = scope.WorkspaceDir
	output, err := cmd.CombinedOutput()

	text := string(output)
	if len(text) > bashOutputLimit {
		text = text[:bashOutputLimit] + "\n… output truncated"
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("command timed out after %v:\n%s", t.timeout, text)}
	}
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("command failed: %v\n%s", err, text)}
	}
	if text == "" {
		text = "(no output)"
	}
	return &tools.ToolResult{CallID: call.ID, Content: text}
}
