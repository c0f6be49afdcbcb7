// Package verify runs tech-stack-appropriate build/test/lint commands in a
// project's workspace, builds a verification report and, on failure,
// synthesizes fix-tasks that feed back into the Drake pipeline.
package verify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"brood/internal/id"
	"brood/internal/logging"
	"brood/internal/project"
	"brood/internal/taskfile"
	"brood/internal/wyrm"
)

const (
	// DefaultStepTimeout bounds each verification command.
	DefaultStepTimeout = 600 * time.Second

	// fixOutputLimit caps the command output embedded in a fix-task row.
	fixOutputLimit = 500

	timeoutMarker = "[timeout]"

	// FixTasksFileName is the task file the verifier writes on failure.
	FixTasksFileName = "verification-fixes-tasks.md"
)

// Step is one command to run with its pass criteria.
type Step struct {
	Type     string
	Command  string
	Priority project.CheckPriority
	// Criteria is exit_code_0 (default), contains:<needle> or
	// not_contains:<needle> applied to combined stdout+stderr.
	Criteria string
}

// Config tunes the verifier.
type Config struct {
	StepTimeout             time.Duration
	AutoCreateFixTasks      bool
	RequireAllChecksPassing bool
	SkipForImportedProjects bool
	Logger                  logging.Logger
}

// Verifier processes projects awaiting verification.
type Verifier struct {
	repo   *project.Repository
	cfg    Config
	logger logging.Logger

	// runCommand is swappable for tests.
	runCommand func(ctx context.Context, workspace, command string) (int, string, error)
}

// New creates the verifier.
func New(repo *project.Repository, cfg Config) *Verifier {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	v := &Verifier{
		repo:   repo,
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger),
	}
	if logging.IsNil(cfg.Logger) {
		v.logger = logging.NewComponentLogger("verifier")
	}
	v.runCommand = v.execCommand
	return v
}

// Process verifies one project in AwaitingVerification. Outcomes:
// Verified→Completed on success, back to InProgress with fix-tasks on
// failure, or Skipped for imported projects.
func (v *Verifier) Process(ctx context.Context, projectID string) error {
	p, err := v.repo.Get(projectID)
	if err != nil {
		return err
	}

	if p.Imported && v.cfg.SkipForImportedProjects {
		v.logger.Info("Skipping verification for imported project %s", p.Name)
		if err := v.repo.SetVerification(p.ID, project.VerificationState{Status: project.VerificationSkipped}); err != nil {
			return err
		}
		if err := v.repo.Transition(p.ID, project.StatusVerified); err != nil {
			return err
		}
		return v.repo.Transition(p.ID, project.StatusCompleted)
	}

	steps := v.resolveSteps(p)
	if len(steps) == 0 {
		v.logger.Warn("No verification steps for %s, passing by default", p.Name)
	}

	started := time.Now().UTC()
	state := project.VerificationState{
		Status:    project.VerificationInProgress,
		StartedAt: &started,
	}
	if err := v.repo.SetVerification(p.ID, state); err != nil {
		return err
	}

	var checks []project.VerificationCheck
	for _, step := range steps {
		checks = append(checks, v.runStep(ctx, p.WorkspacePath, step))
	}

	passed := v.evaluate(checks)
	completed := time.Now().UTC()
	state.CompletedAt = &completed
	state.Checks = checks
	state.Report = renderReport(p.Name, checks, passed)
	if passed {
		state.Status = project.VerificationPassed
	} else {
		state.Status = project.VerificationFailed
	}
	if err := v.repo.SetVerification(p.ID, state); err != nil {
		return err
	}

	if passed {
		if err := v.repo.Transition(p.ID, project.StatusVerified); err != nil {
			return err
		}
		return v.repo.Transition(p.ID, project.StatusCompleted)
	}

	if v.cfg.AutoCreateFixTasks {
		if err := v.writeFixTasks(p, checks); err != nil {
			return err
		}
	}
	return v.repo.Transition(p.ID, project.StatusInProgress)
}

// resolveSteps prefers the Wyrm recommendation and falls back to manifest
// auto-detection.
func (v *Verifier) resolveSteps(p *project.Project) []Step {
	if rec, err := wyrm.Load(p.RecommendationPath); err == nil && len(rec.VerificationSteps) > 0 {
		var steps []Step
		for _, s := range rec.VerificationSteps {
			steps = append(steps, Step{
				Type:     s.Type,
				Command:  s.Command,
				Priority: parsePriority(s.Priority),
				Criteria: s.Criteria,
			})
		}
		return steps
	}
	return DetectSteps(p.WorkspacePath)
}

// parsePriority normalizes a recommendation priority string. Unknown values
// map to High.
func parsePriority(raw string) project.CheckPriority {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical":
		return project.PriorityCritical
	case "high":
		return project.PriorityHigh
	case "medium":
		return project.PriorityMedium
	case "low":
		return project.PriorityLow
	default:
		return project.PriorityHigh
	}
}

// DetectSteps infers standard build/test commands from workspace manifests.
func DetectSteps(workspace string) []Step {
	var steps []Step
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(workspace, name))
		return err == nil
	}

	switch {
	case exists("package.json"):
		steps = append(steps,
			Step{Type: "build", Command: "npm install", Priority: project.PriorityCritical},
			Step{Type: "test", Command: "npm test", Priority: project.PriorityHigh},
		)
	case exists("go.mod"):
		steps = append(steps,
			Step{Type: "build", Command: "go build ./...", Priority: project.PriorityCritical},
			Step{Type: "test", Command: "go test ./...", Priority: project.PriorityHigh},
		)
	case exists("Cargo.toml"):
		steps = append(steps,
			Step{Type: "build", Command: "cargo build", Priority: project.PriorityCritical},
			Step{Type: "test", Command: "cargo test", Priority: project.PriorityHigh},
		)
	case exists("pyproject.toml"), exists("requirements.txt"):
		steps = append(steps,
			Step{Type: "test", Command: "python -m pytest", Priority: project.PriorityHigh},
		)
	}
	return steps
}

// runStep executes one command with the per-step timeout. A timed-out check
// is Failed with an explicit marker, never Passed.
func (v *Verifier) runStep(ctx context.Context, workspace string, step Step) project.VerificationCheck {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, v.cfg.StepTimeout)
	defer cancel()

	exitCode, output, err := v.runCommand(stepCtx, workspace, step.Command)

	check := project.VerificationCheck{
		Type:            step.Type,
		Command:         step.Command,
		Priority:        step.Priority,
		ExitCode:        exitCode,
		Output:          output,
		DurationSeconds: time.Since(start).Seconds(),
		ExecutedAt:      start.UTC(),
	}

	if stepCtx.Err() == context.DeadlineExceeded {
		check.Passed = false
		check.Output = strings.TrimSpace(output + "\n" + timeoutMarker + " step exceeded " + v.cfg.StepTimeout.String())
		return check
	}
	if err != nil && exitCode == 0 {
		// Command could not start at all.
		check.Passed = false
		check.ExitCode = -1
		check.Output = strings.TrimSpace(output + "\n" + err.Error())
		return check
	}

	check.Passed = meetsCriteria(step.Criteria, exitCode, output)
	return check
}

func (v *Verifier) execCommand(ctx context.Context, workspace, command string) (int, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workspace
	output, err := cmd.CombinedOutput()
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
		err = nil
	}
	return exitCode, string(output), err
}

// meetsCriteria applies the step's success criteria to combined output.
func meetsCriteria(criteria string, exitCode int, output string) bool {
	switch {
	case criteria == "" || criteria == "exit_code_0":
		return exitCode == 0
	case strings.HasPrefix(criteria, "contains:"):
		return strings.Contains(output, strings.TrimPrefix(criteria, "contains:"))
	case strings.HasPrefix(criteria, "not_contains:"):
		return !strings.Contains(output, strings.TrimPrefix(criteria, "not_contains:"))
	default:
		return exitCode == 0
	}
}

// evaluate decides the overall verdict. Strict mode requires every check to
// pass; lenient mode tolerates non-Critical failures.
func (v *Verifier) evaluate(checks []project.VerificationCheck) bool {
	for _, c := range checks {
		if c.Passed {
			continue
		}
		if v.cfg.RequireAllChecksPassing || c.Priority == project.PriorityCritical {
			return false
		}
	}
	return true
}

func renderReport(name string, checks []project.VerificationCheck, passed bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Verification report: %s\n\n", name)
	verdict := "FAILED"
	if passed {
		verdict = "PASSED"
	}
	fmt.Fprintf(&b, "Result: %s (%d checks)\n", verdict, len(checks))

	for _, c := range checks {
		mark := "FAIL"
		if c.Passed {
			mark = "PASS"
		}
		fmt.Fprintf(&b, "\n## [%s] %s `%s`\n\n", mark, c.Type, c.Command)
		fmt.Fprintf(&b, "- Priority: %s\n- Exit code: %d\n- Duration: %.1fs\n", c.Priority, c.ExitCode, c.DurationSeconds)
		if !c.Passed && c.Output != "" {
			fmt.Fprintf(&b, "\n```\n%s\n```\n", truncate(c.Output, 2000))
		}
	}
	return b.String()
}

// writeFixTasks materializes one fix task per failed check and registers
// the file on the project so the next Drake cycle picks it up.
func (v *Verifier) writeFixTasks(p *project.Project, checks []project.VerificationCheck) error {
	f := &taskfile.File{
		Preamble: "# Verification fixes\n\nTasks generated from failed verification checks.\n",
	}
	for i, c := range checks {
		if c.Passed {
			continue
		}
		description := fmt.Sprintf("Fix failing %s check `%s`: %s [priority:%s]",
			c.Type, c.Command, truncate(c.Output, fixOutputLimit), c.Priority)
		f.Tasks = append(f.Tasks, &taskfile.Task{
			ID:          id.NewTaskID("verification-fixes", i, c.Command),
			Description: description,
			Status:      taskfile.TaskUnassigned,
			Assignee:    taskfile.UnassignedAssignee,
			Priority:    string(c.Priority),
		})
	}
	if len(f.Tasks) == 0 {
		return nil
	}

	path := filepath.Join(p.TasksDir, FixTasksFileName)
	if err := f.WriteFile(path); err != nil {
		return fmt.Errorf("write fix tasks for %s: %w", p.Name, err)
	}
	v.logger.Info("Wrote %d fix tasks for %s", len(f.Tasks), p.Name)
	return v.repo.AddTaskFile(p.ID, path)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
