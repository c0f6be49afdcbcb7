package plan

import (
	"context"
	"fmt"

	"brood/internal/llm"
	"brood/internal/tools"
)

// stepTool is the update_plan_step tool a kobold calls on each step
// boundary. It mutates the plan under the store lock and arms the debounced
// save.
type stepTool struct {
	store  *Store
	taskID string
}

// NewStepTool binds update_plan_step to one (store, task) pair.
func NewStepTool(store *Store, taskID string) tools.Tool {
	return &stepTool{store: store, taskID: taskID}
}

func (t *stepTool) Definition() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        "update_plan_step",
		Description: "Record progress on the current implementation plan step",
		InputSchema: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"step_index": {Type: "integer", Description: "Zero-based index of the step"},
				"status":     {Type: "string", Description: "One of: InProgress, Completed, Skipped, Failed", Enum: []any{"InProgress", "Completed", "Skipped", "Failed"}},
				"output":     {Type: "string", Description: "Short summary of what happened in this step"},
			},
			Required: []string{"step_index", "status"},
		},
	}
}

func (t *stepTool) Execute(ctx context.Context, call tools.ToolCall) *tools.ToolResult {
	rawIndex, ok := call.Input["step_index"].(float64)
	if !ok {
		return &tools.ToolResult{CallID: call.ID, Err: fmt.Errorf("step_index must be a number")}
	}
	status, err := parseStepStatus(call.Input["status"])
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}
	output, _ := call.Input["output"].(string)

	if err := t.store.UpdateStep(t.taskID, int(rawIndex), status, output); err != nil {
		return &tools.ToolResult{CallID: call.ID, Err: err}
	}
	return &tools.ToolResult{CallID: call.ID, Content: fmt.Sprintf("step %d -> %s", int(rawIndex), status)}
}

func parseStepStatus(raw any) (StepStatus, error) {
	s, _ := raw.(string)
	switch StepStatus(s) {
	case StepInProgress, StepCompleted, StepSkipped, StepFailed:
		return StepStatus(s), nil
	}
	return "", fmt.Errorf("unknown step status %q", s)
}
