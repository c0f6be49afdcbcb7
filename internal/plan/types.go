// Package plan owns implementation plans: ordered steps a kobold works
// through for one task, persisted per project with a durable index and a
// human-readable markdown mirror.
package plan

import (
	"fmt"
	"time"
)

// Status is a plan's lifecycle state.
type Status string

const (
	StatusPlanning   Status = "Planning"
	StatusReady      Status = "Ready"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// StepStatus is one step's state.
type StepStatus string

const (
	StepPending    StepStatus = "Pending"
	StepInProgress StepStatus = "InProgress"
	StepCompleted  StepStatus = "Completed"
	StepSkipped    StepStatus = "Skipped"
	StepFailed     StepStatus = "Failed"
)

// IsTerminal reports whether a step needs no further work.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepSkipped || s == StepFailed
}

// Step is one unit of work inside a plan.
type Step struct {
	Index       int        `json:"index"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      StepStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	// FilesToModify is the planner's hint used for the file-in-use advisory.
	FilesToModify []string   `json:"filesToModify,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Plan is the persisted record for one (project, task) pair.
type Plan struct {
	PlanID        string `json:"planId"`
	ProjectID     string `json:"projectId"`
	TaskID        string `json:"taskId"`
	AgentType     string `json:"agentType"`
	SpecVersionID string `json:"specVersionId,omitempty"`

	// Area, TaskIndex and Title shape the on-disk file stem.
	Area      string `json:"area,omitempty"`
	TaskIndex int    `json:"taskIndex,omitempty"`
	Title     string `json:"title,omitempty"`

	Status           Status    `json:"status"`
	CurrentStepIndex int       `json:"currentStepIndex"`
	Steps            []Step    `json:"steps"`
	Log              []string  `json:"log,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// AllStepsTerminal reports whether every step reached a terminal state. A
// plan with no steps is never considered terminal.
func (p *Plan) AllStepsTerminal() bool {
	if len(p.Steps) == 0 {
		return false
	}
	for _, s := range p.Steps {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// RemainingSteps returns the steps not yet terminal, in order.
func (p *Plan) RemainingSteps() []Step {
	var out []Step
	for _, s := range p.Steps {
		if !s.Status.IsTerminal() {
			out = append(out, s)
		}
	}
	return out
}

// AppendLog records a timestamped log line on the plan.
func (p *Plan) AppendLog(format string, args ...any) {
	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	p.Log = append(p.Log, line)
}

// SetStepStatus applies a status change to the step at index, enforcing the
// advance rule: currentStepIndex moves forward on Completed or Skipped,
// never on Failed.
func (p *Plan) SetStepStatus(index int, status StepStatus, output string) error {
	if index < 0 || index >= len(p.Steps) {
		return fmt.Errorf("step index %d out of range (plan has %d steps)", index, len(p.Steps))
	}
	step := &p.Steps[index]
	now := time.Now().UTC()

	switch status {
	case StepInProgress:
		if step.StartedAt == nil {
			step.StartedAt = &now
		}
	case StepCompleted, StepSkipped, StepFailed:
		if step.CompletedAt == nil {
			step.CompletedAt = &now
		}
	}

	step.Status = status
	if output != "" {
		step.Output = output
	}

	if (status == StepCompleted || status == StepSkipped) && index == p.CurrentStepIndex {
		p.CurrentStepIndex = index + 1
	}
	if p.Status == StatusReady || p.Status == StatusPlanning {
		p.Status = StatusInProgress
	}
	p.UpdatedAt = now
	return nil
}

// FinishStatus derives the plan status at session end: Completed only when
// every step is terminal, otherwise the plan stays InProgress so a later
// session can resume it.
func (p *Plan) FinishStatus() Status {
	if p.AllStepsTerminal() {
		return StatusCompleted
	}
	return StatusInProgress
}
