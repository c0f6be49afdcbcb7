package plan

import (
	"fmt"
	"strings"
)

// renderMarkdown emits the human-readable mirror written next to each plan's
// JSON file.
func renderMarkdown(p *Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan: %s\n\n", p.Title)
	fmt.Fprintf(&b, "- Plan: %s\n", p.PlanID)
	fmt.Fprintf(&b, "- Task: %s\n", p.TaskID)
	fmt.Fprintf(&b, "- Agent type: %s\n", p.AgentType)
	fmt.Fprintf(&b, "- Status: %s\n", p.Status)
	if p.SpecVersionID != "" {
		fmt.Fprintf(&b, "- Spec version: %s\n", p.SpecVersionID)
	}
	fmt.Fprintf(&b, "- Updated: %s\n\n", p.UpdatedAt.Format("2006-01-02 15:04:05 UTC"))

	b.WriteString("## Steps\n\n")
	for _, step := range p.Steps {
		fmt.Fprintf(&b, "%d. [%s] %s\n", step.Index+1, stepMark(step.Status), step.Title)
		if step.Description != "" {
			fmt.Fprintf(&b, "   %s\n", step.Description)
		}
		if step.Output != "" {
			fmt.Fprintf(&b, "   > %s\n", firstLine(step.Output))
		}
	}

	if len(p.Log) > 0 {
		b.WriteString("\n## Log\n\n")
		for _, line := range p.Log {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return b.String()
}

func stepMark(s StepStatus) string {
	switch s {
	case StepCompleted:
		return "x"
	case StepSkipped:
		return "~"
	case StepFailed:
		return "!"
	case StepInProgress:
		return ">"
	default:
		return " "
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
