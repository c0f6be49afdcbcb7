// Package kobold implements the leaf worker: it owns one task, runs the
// agent loop against the project workspace, keeps its implementation plan
// current and reports an insight when it finishes. Only the kobold's own
// code transitions its state; supervisors observe.
package kobold

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"brood/internal/agent"
	"brood/internal/logging"
	"brood/internal/observability"
	"brood/internal/plan"
	"brood/internal/planctx"
	"brood/internal/tools"
	"brood/internal/tools/builtin"
)

// Status is a kobold's lifecycle state.
type Status string

const (
	StatusUnassigned Status = "Unassigned"
	StatusAssigned   Status = "Assigned"
	StatusWorking    Status = "Working"
	StatusDone       Status = "Done"
)

// DefaultMaxIterations bounds the kobold's agent loop.
const DefaultMaxIterations = 30

// InvalidStateError reports an operation attempted in the wrong state.
type InvalidStateError struct {
	KoboldID string
	Current  Status
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("kobold %s: cannot %s in state %s", e.KoboldID, e.Op, e.Current)
}

// Deps carries everything a kobold needs to work one task.
type Deps struct {
	Gateway   agent.Gateway
	Plans     *plan.Store
	Context   *planctx.Manager
	ProjectID string
	AgentType string

	// SpecText and StructureHints prime the opening message. SpecText is
	// cached by the Drake and shared across its kobolds.
	SpecText       string
	StructureHints string
	SpecVersionID  string

	// ResolveSpecVersion, when set, supplies the project's active spec
	// version at StartWork time. The plan store invalidates and regenerates
	// plans tagged with an older version.
	ResolveSpecVersion func() string

	Scope  tools.Scope
	Asker  builtin.Asker
	Logger logging.Logger
}

// Kobold is one worker instance.
type Kobold struct {
	ID        string
	AgentType string

	deps   Deps
	logger logging.Logger

	mu              sync.Mutex
	status          Status
	taskID          string
	taskDescription string
	errorMessage    string
	iterations      int
	createdAt       time.Time
	assignedAt      time.Time
	startedAt       time.Time
	completedAt     time.Time
}

// New creates an unassigned kobold.
func New(id string, deps Deps) *Kobold {
	agentType := deps.AgentType
	if agentType == "" {
		agentType = "general"
	}
	return &Kobold{
		ID:        id,
		AgentType: agentType,
		deps:      deps,
		logger:    logging.OrNop(deps.Logger),
		status:    StatusUnassigned,
		createdAt: time.Now().UTC(),
	}
}

// Snapshot is a point-in-time read of the kobold for supervisors.
type Snapshot struct {
	ID           string
	AgentType    string
	TaskID       string
	Status       Status
	ErrorMessage string
	Iterations   int
	CreatedAt    time.Time
	AssignedAt   time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Snapshot returns the current state.
func (k *Kobold) Snapshot() Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()
	return Snapshot{
		ID:           k.ID,
		AgentType:    k.AgentType,
		TaskID:       k.taskID,
		Status:       k.status,
		ErrorMessage: k.errorMessage,
		Iterations:   k.iterations,
		CreatedAt:    k.createdAt,
		AssignedAt:   k.assignedAt,
		StartedAt:    k.startedAt,
		CompletedAt:  k.completedAt,
	}
}

// IsComplete reports whether the kobold reached Done.
func (s Snapshot) IsComplete() bool { return s.Status == StatusDone }

// HasError reports whether the kobold captured an error.
func (s Snapshot) HasError() bool { return s.ErrorMessage != "" }

// IsSuccess reports a clean finish.
func (s Snapshot) IsSuccess() bool { return s.IsComplete() && !s.HasError() }

// AssignTask binds the kobold to one task. Valid only from Unassigned.
func (k *Kobold) AssignTask(taskID, description string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.status != StatusUnassigned {
		return &InvalidStateError{KoboldID: k.ID, Current: k.status, Op: "assign task"}
	}
	k.taskID = taskID
	k.taskDescription = description
	k.status = StatusAssigned
	k.assignedAt = time.Now().UTC()
	return nil
}

// StartWork runs the task to completion. Valid only from Assigned;
// concurrent calls are rejected. The kobold always ends in Done; failure is
// reported through the captured error message.
func (k *Kobold) StartWork(ctx context.Context, maxIterations int) error {
	k.mu.Lock()
	if k.status != StatusAssigned {
		current := k.status
		k.mu.Unlock()
		return &InvalidStateError{KoboldID: k.ID, Current: current, Op: "start work"}
	}
	k.status = StatusWorking
	k.startedAt = time.Now().UTC()
	taskID := k.taskID
	k.mu.Unlock()

	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	defer func() {
		if r := recover(); r != nil {
			k.logger.Error("Kobold %s panicked: %v", k.ID, r)
			k.finish(fmt.Sprintf("panic: %v", r), 0, nil)
		}
	}()

	specVersion := k.deps.SpecVersionID
	if k.deps.ResolveSpecVersion != nil {
		if v := k.deps.ResolveSpecVersion(); v != "" {
			specVersion = v
		}
	}

	p, err := k.deps.Plans.LoadOrCreate(taskID, specVersion, func() *plan.Plan {
		return k.buildPlan(ctx)
	})
	if err != nil {
		k.finish(fmt.Sprintf("load plan: %v", err), 0, nil)
		return nil
	}

	// Build the opening message before registering our own file hints so the
	// advisory section only lists other agents' claims.
	opening := k.openingMessage(p)

	if k.deps.Context != nil {
		if err := k.deps.Context.RegisterAgent(k.deps.ProjectID, k.ID, taskID, k.AgentType); err != nil {
			k.logger.Warn("Kobold %s: register agent: %v", k.ID, err)
		}
		if len(p.Steps) > 0 {
			_ = k.deps.Context.SetAgentFiles(k.deps.ProjectID, k.ID, currentStepFiles(p))
		}
	}

	registry := k.buildRegistry()
	loop := agent.New(k.deps.Gateway, registry, agent.Config{MaxIterations: maxIterations, Logger: k.logger})

	scopedCtx := tools.WithScope(ctx, k.deps.Scope)
	result := loop.Run(scopedCtx, k.systemPrompt(), opening)

	errorMessage := ""
	if result.Failed {
		errorMessage = result.ErrorText
		if errorMessage == "" {
			errorMessage = string(result.Outcome)
		}
	} else if marker, hit := agent.ScanForErrorMarkers(result.FinalText, result.FinalTurnHadToolCalls); hit {
		errorMessage = fmt.Sprintf("assistant reported failure (%s): %s", marker, tail(result.FinalText, 200))
	}

	k.finish(errorMessage, result.Iterations, p)
	return nil
}

// finish transitions to Done, settles the plan status and reports the
// insight. Safe to call once per run; the panic path passes a nil plan.
func (k *Kobold) finish(errorMessage string, iterations int, p *plan.Plan) {
	now := time.Now().UTC()

	k.mu.Lock()
	k.status = StatusDone
	k.errorMessage = errorMessage
	k.iterations = iterations
	k.completedAt = now
	taskID := k.taskID
	started := k.startedAt
	k.mu.Unlock()

	var stepCount, completedSteps int
	var filesModified []string
	if p != nil {
		if err := k.deps.Plans.Mutate(taskID, func(stored *plan.Plan) error {
			stored.Status = stored.FinishStatus()
			if errorMessage != "" && stored.Status != plan.StatusCompleted {
				stored.AppendLog("session ended with error: %s", firstLine(errorMessage))
			}
			stepCount = len(stored.Steps)
			for _, s := range stored.Steps {
				if s.Status == plan.StepCompleted {
					completedSteps++
					filesModified = append(filesModified, s.FilesToModify...)
				}
			}
			return nil
		}); err != nil {
			k.logger.Warn("Kobold %s: settle plan: %v", k.ID, err)
		}
	}

	if k.deps.Context != nil {
		insight := planctx.PlanningInsight{
			TaskID:          taskID,
			AgentType:       k.AgentType,
			Timestamp:       now,
			Success:         errorMessage == "",
			DurationSeconds: now.Sub(started).Seconds(),
			StepCount:       stepCount,
			CompletedSteps:  completedSteps,
			TotalIterations: iterations,
			FilesModified:   dedupe(filesModified),
			ErrorMessage:    errorMessage,
		}
		if err := k.deps.Context.UnregisterAgent(k.deps.ProjectID, k.ID, insight); err != nil {
			k.logger.Warn("Kobold %s: unregister agent: %v", k.ID, err)
		}
	}

	if errorMessage != "" {
		observability.KoboldCompletions.WithLabelValues("failed").Inc()
		k.logger.Warn("Kobold %s finished task %s with error: %s", k.ID, taskID, firstLine(errorMessage))
	} else {
		observability.KoboldCompletions.WithLabelValues("success").Inc()
		k.logger.Info("Kobold %s finished task %s in %d iterations", k.ID, taskID, iterations)
	}
}

func (k *Kobold) buildRegistry() *tools.Registry {
	registry := tools.NewRegistry()
	for _, t := range []tools.Tool{
		builtin.NewFileRead(),
		builtin.NewFileWrite(),
		builtin.NewFileEdit(),
		builtin.NewFileList(),
		builtin.NewBash(0),
		plan.NewStepTool(k.deps.Plans, k.taskID),
	} {
		if err := registry.Register(t); err != nil {
			k.logger.Warn("Kobold %s: register tool: %v", k.ID, err)
		}
	}
	if k.deps.Asker != nil {
		if err := registry.Register(builtin.NewAskUser(k.deps.Asker)); err != nil {
			k.logger.Warn("Kobold %s: register ask_user: %v", k.ID, err)
		}
	}
	return registry
}

func currentStepFiles(p *plan.Plan) []string {
	if p.CurrentStepIndex >= 0 && p.CurrentStepIndex < len(p.Steps) {
		return p.Steps[p.CurrentStepIndex].FilesToModify
	}
	return nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
