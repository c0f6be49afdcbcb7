package kobold

import (
	"context"
	"fmt"
	"strings"
	"time"

	"brood/internal/agent"
	"brood/internal/id"
	"brood/internal/plan"
	"brood/internal/planctx"
)

const insightLimit = 5

// buildPlan asks the provider to break the task into steps. When the call
// fails (provider down or unconfigured) the kobold falls back to a
// single-step plan; the main loop will surface the provider failure itself.
func (k *Kobold) buildPlan(ctx context.Context) *plan.Plan {
	type plannedStep struct {
		Title         string   `json:"title"`
		Description   string   `json:"description"`
		FilesToModify []string `json:"filesToModify"`
	}
	var planned struct {
		Steps []plannedStep `json:"steps"`
	}

	loop := agent.New(k.deps.Gateway, nil, agent.Config{MaxIterations: 2, Logger: k.logger})
	prompt := fmt.Sprintf(
		"Break this task into 2-6 concrete implementation steps.\n\nTask: %s\n\n"+
			"Respond with JSON only: {\"steps\": [{\"title\": ..., \"description\": ..., \"filesToModify\": [...]}]}",
		k.taskDescription)
	result := loop.RunJSON(ctx, k.plannerSystemPrompt(), prompt, &planned)

	now := time.Now().UTC()
	p := &plan.Plan{
		PlanID:        id.NewPlanID(),
		ProjectID:     k.deps.ProjectID,
		TaskID:        k.taskID,
		AgentType:     k.AgentType,
		SpecVersionID: k.deps.SpecVersionID,
		Title:         firstLine(k.taskDescription),
		Area:          k.AgentType,
		Status:        plan.StatusReady,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if result.Failed || len(planned.Steps) == 0 {
		k.logger.Warn("Kobold %s: planner unavailable, using single-step plan", k.ID)
		p.Steps = []plan.Step{{Index: 0, Title: firstLine(k.taskDescription), Status: plan.StepPending}}
		return p
	}

	for i, s := range planned.Steps {
		p.Steps = append(p.Steps, plan.Step{
			Index:         i,
			Title:         s.Title,
			Description:   s.Description,
			Status:        plan.StepPending,
			FilesToModify: s.FilesToModify,
		})
	}
	return p
}

func (k *Kobold) plannerSystemPrompt() string {
	return "You are a software planning assistant. You produce short, concrete implementation plans as JSON."
}

func (k *Kobold) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are an autonomous software implementation agent working inside a project workspace.\n")
	b.WriteString("Use the available tools to read, write and edit files and to run shell commands.\n")
	b.WriteString("Call update_plan_step whenever you start or finish a plan step.\n")
	b.WriteString("When the task is done, summarize what you changed and stop calling tools.")
	return b.String()
}

// openingMessage assembles the kobold's first user message: specification,
// structure hints, prior insights, the file-in-use advisory and the plan's
// remaining steps.
func (k *Kobold) openingMessage(p *plan.Plan) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Task %s\n\n%s\n", k.taskID, k.taskDescription)

	if k.deps.SpecText != "" {
		fmt.Fprintf(&b, "\n## Project specification\n\n%s\n", k.deps.SpecText)
	}
	if k.deps.StructureHints != "" {
		fmt.Fprintf(&b, "\n## Project structure\n\n%s\n", k.deps.StructureHints)
	}

	if k.deps.Context != nil {
		insights := k.deps.Context.GetSimilarTaskInsights(k.deps.ProjectID, k.AgentType, insightLimit)
		if len(insights) > 0 {
			b.WriteString("\n## Lessons from similar tasks\n\n")
			for _, in := range insights {
				b.WriteString("- " + formatInsight(in) + "\n")
			}
		}

		if files := filesInUse(k.deps.Context, k.deps.ProjectID, p); len(files) > 0 {
			b.WriteString("\n## Files currently in use by other agents (avoid concurrent edits)\n\n")
			for _, f := range files {
				b.WriteString("- " + f + "\n")
			}
		}
	}

	remaining := p.RemainingSteps()
	if len(remaining) > 0 {
		b.WriteString("\n## Plan (remaining steps)\n\n")
		for _, s := range remaining {
			fmt.Fprintf(&b, "%d. %s", s.Index, s.Title)
			if s.Description != "" {
				b.WriteString(" - " + s.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatInsight(in planctx.PlanningInsight) string {
	verdict := "succeeded"
	if !in.Success {
		verdict = "failed"
		if in.ErrorMessage != "" {
			verdict += " (" + firstLine(in.ErrorMessage) + ")"
		}
	}
	return fmt.Sprintf("task %s %s after %d iterations, %d/%d steps completed",
		in.TaskID, verdict, in.TotalIterations, in.CompletedSteps, in.StepCount)
}

// filesInUse lists files this plan wants to touch that other agents have
// already claimed. Called before this kobold registers its own hint.
func filesInUse(mgr *planctx.Manager, projectID string, p *plan.Plan) []string {
	var out []string
	seen := make(map[string]bool)
	for _, step := range p.Steps {
		for _, f := range step.FilesToModify {
			if seen[f] {
				continue
			}
			seen[f] = true
			if mgr.IsFileInUse(projectID, f) {
				out = append(out, f)
			}
		}
	}
	return out
}
