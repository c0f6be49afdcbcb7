// Package planctx is the process-wide shared planning context: per-project
// active-agent registries, file-in-use advisories and completed-task
// insights, cached in an LRU and persisted per project as
// planning-context.json.
package planctx

import (
	"sync"
	"time"
)

// InsightCap bounds the per-project insight ring; the oldest entry is
// dropped first.
const InsightCap = 100

// ActiveAgent is one registered worker inside a project.
type ActiveAgent struct {
	AgentID        string    `json:"agentId"`
	TaskID         string    `json:"taskId"`
	AgentType      string    `json:"agentType"`
	FilesInUse     []string  `json:"filesInUse,omitempty"`
	RegisteredAt   time.Time `json:"registeredAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// PlanningInsight records one completed task for planner priming.
type PlanningInsight struct {
	TaskID          string    `json:"taskId"`
	AgentType       string    `json:"agentType"`
	Timestamp       time.Time `json:"timestamp"`
	Success         bool      `json:"success"`
	DurationSeconds float64   `json:"durationSeconds"`
	StepCount       int       `json:"stepCount"`
	CompletedSteps  int       `json:"completedSteps"`
	TotalIterations int       `json:"totalIterations"`
	FilesModified   []string  `json:"filesModified,omitempty"`
	FilesCreated    []string  `json:"filesCreated,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
}

// Statistics aggregates a project's insights.
type Statistics struct {
	TotalTasks         int     `json:"totalTasks"`
	SuccessRate        float64 `json:"successRate"`
	AvgDurationSeconds float64 `json:"avgDurationSeconds"`
	AvgSteps           float64 `json:"avgSteps"`
	AvgIterations      float64 `json:"avgIterations"`
}

// projectContext is the persisted per-project record, guarded read-many
// write-few by its own lock.
type projectContext struct {
	ProjectID      string                  `json:"projectId"`
	CreatedAt      time.Time               `json:"createdAt"`
	LastAccessedAt time.Time               `json:"lastAccessedAt"`
	ActiveAgents   map[string]*ActiveAgent `json:"activeAgents"`
	Insights       []PlanningInsight       `json:"insights,omitempty"`

	mu    sync.RWMutex
	dirty bool
}

func newProjectContext(projectID string) *projectContext {
	now := time.Now().UTC()
	return &projectContext{
		ProjectID:      projectID,
		CreatedAt:      now,
		LastAccessedAt: now,
		ActiveAgents:   make(map[string]*ActiveAgent),
	}
}

// appendInsight keeps the ring capped. Callers hold the write lock.
func (c *projectContext) appendInsight(insight PlanningInsight) {
	c.Insights = append(c.Insights, insight)
	if len(c.Insights) > InsightCap {
		c.Insights = c.Insights[len(c.Insights)-InsightCap:]
	}
}

func (c *projectContext) statistics() Statistics {
	stats := Statistics{TotalTasks: len(c.Insights)}
	if stats.TotalTasks == 0 {
		return stats
	}
	var successes int
	var duration, steps, iterations float64
	for _, in := range c.Insights {
		if in.Success {
			successes++
		}
		duration += in.DurationSeconds
		steps += float64(in.StepCount)
		iterations += float64(in.TotalIterations)
	}
	n := float64(stats.TotalTasks)
	stats.SuccessRate = float64(successes) / n
	stats.AvgDurationSeconds = duration / n
	stats.AvgSteps = steps / n
	stats.AvgIterations = iterations / n
	return stats
}
