package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brood/internal/project"
	"brood/internal/taskfile"
)

func newAwaitingProject(t *testing.T) (*project.Repository, *project.Project) {
	t.Helper()
	repo, err := project.NewRepository(t.TempDir())
	require.NoError(t, err)
	p, err := repo.Create("verify me")
	require.NoError(t, err)
	require.NoError(t, repo.Transition(p.ID, project.StatusAwaitingVerification))
	p, err = repo.Get(p.ID)
	require.NoError(t, err)
	return repo, p
}

func writeRecommendation(t *testing.T, p *project.Project, steps string) {
	t.Helper()
	rec := `{"detectedLanguages": ["go"], "suggestedAgentTypes": ["backend"], "verificationSteps": ` + steps + `}`
	require.NoError(t, os.WriteFile(p.RecommendationPath, []byte(rec), 0644))
}

// scriptRunner maps commands to canned results.
type scriptRunner map[string]struct {
	exitCode int
	output   string
}

func (r scriptRunner) run(ctx context.Context, workspace, command string) (int, string, error) {
	res, ok := r[command]
	if !ok {
		return 127, "command not scripted: " + command, nil
	}
	return res.exitCode, res.output, nil
}

func TestAllChecksPassingCompletesProject(t *testing.T) {
	repo, p := newAwaitingProject(t)
	writeRecommendation(t, p, `[
		{"type": "build", "command": "go build ./...", "priority": "Critical"},
		{"type": "test", "command": "go test ./...", "priority": "High"}
	]`)

	v := New(repo, Config{RequireAllChecksPassing: true, AutoCreateFixTasks: true})
	v.runCommand = scriptRunner{
		"go build ./...": {0, "ok"},
		"go test ./...":  {0, "PASS"},
	}.run

	require.NoError(t, v.Process(context.Background(), p.ID))

	got, err := repo.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusCompleted, got.Status)
	assert.Equal(t, project.VerificationPassed, got.Verification.Status)
	assert.Contains(t, got.Verification.Report, "PASSED")
	require.Len(t, got.Verification.Checks, 2)
	assert.True(t, got.Verification.Checks[0].Passed)
}

func TestFailureCreatesFixTasksAndReturnsToInProgress(t *testing.T) {
	repo, p := newAwaitingProject(t)
	writeRecommendation(t, p, `[
		{"type": "build", "command": "go build ./...", "priority": "Critical"},
		{"type": "test", "command": "go test ./...", "priority": "High"}
	]`)

	v := New(repo, Config{RequireAllChecksPassing: true, AutoCreateFixTasks: true})
	v.runCommand = scriptRunner{
		"go build ./...": {0, "ok"},
		"go test ./...":  {1, "--- FAIL: TestThing\nexpected 2, got 3"},
	}.run

	require.NoError(t, v.Process(context.Background(), p.ID))

	got, err := repo.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusInProgress, got.Status)
	assert.Equal(t, project.VerificationFailed, got.Verification.Status)
	assert.Contains(t, got.Verification.Report, "FAILED")

	path := filepath.Join(p.TasksDir, FixTasksFileName)
	assert.Contains(t, got.TaskFiles, path)
	f, err := taskfile.ParseFile(path)
	require.NoError(t, err)
	require.Len(t, f.Tasks, 1, "one fix task per failed check")
	assert.Contains(t, f.Tasks[0].Description, "go test ./...")
	assert.Contains(t, f.Tasks[0].Description, "TestThing")
	assert.Equal(t, "High", f.Tasks[0].Priority)
	assert.Equal(t, taskfile.TaskUnassigned, f.Tasks[0].Status)
}

func TestFixTaskOutputTruncated(t *testing.T) {
	repo, p := newAwaitingProject(t)
	writeRecommendation(t, p, `[{"type": "test", "command": "npm test", "priority": "Critical"}]`)

	v := New(repo, Config{AutoCreateFixTasks: true})
	v.runCommand = scriptRunner{
		"npm test": {1, strings.Repeat("x", 2000)},
	}.run

	require.NoError(t, v.Process(context.Background(), p.ID))

	f, err := taskfile.ParseFile(filepath.Join(p.TasksDir, FixTasksFileName))
	require.NoError(t, err)
	require.Len(t, f.Tasks, 1)
	assert.Less(t, len(f.Tasks[0].Description), 700, "embedded output is truncated")
}

func TestLenientModeToleratesNonCriticalFailure(t *testing.T) {
	repo, p := newAwaitingProject(t)
	writeRecommendation(t, p, `[
		{"type": "build", "command": "go build ./...", "priority": "Critical"},
		{"type": "lint", "command": "golangci-lint run", "priority": "Low"}
	]`)

	v := New(repo, Config{RequireAllChecksPassing: false})
	v.runCommand = scriptRunner{
		"go build ./...":    {0, "ok"},
		"golangci-lint run": {1, "style nit"},
	}.run

	require.NoError(t, v.Process(context.Background(), p.ID))

	got, _ := repo.Get(p.ID)
	assert.Equal(t, project.StatusCompleted, got.Status)
	assert.Equal(t, project.VerificationPassed, got.Verification.Status)
}

func TestCriticalFailureBlocksEvenInLenientMode(t *testing.T) {
	repo, p := newAwaitingProject(t)
	writeRecommendation(t, p, `[{"type": "build", "command": "go build ./...", "priority": "Critical"}]`)

	v := New(repo, Config{RequireAllChecksPassing: false})
	v.runCommand = scriptRunner{
		"go build ./...": {2, "syntax error"},
	}.run

	require.NoError(t, v.Process(context.Background(), p.ID))

	got, _ := repo.Get(p.ID)
	assert.Equal(t, project.StatusInProgress, got.Status)
}

func TestTimeoutMarksCheckFailed(t *testing.T) {
	repo, p := newAwaitingProject(t)
	writeRecommendation(t, p, `[{"type": "test", "command": "sleep forever", "priority": "High"}]`)

	v := New(repo, Config{StepTimeout: 10 * time.Millisecond, RequireAllChecksPassing: true})
	v.runCommand = func(ctx context.Context, workspace, command string) (int, string, error) {
		<-ctx.Done()
		return 0, "partial output", ctx.Err()
	}

	require.NoError(t, v.Process(context.Background(), p.ID))

	got, _ := repo.Get(p.ID)
	require.Len(t, got.Verification.Checks, 1)
	check := got.Verification.Checks[0]
	assert.False(t, check.Passed, "a timed-out check never passes")
	assert.Contains(t, check.Output, "[timeout]")
	assert.Equal(t, project.StatusInProgress, got.Status)
}

func TestContainsCriteria(t *testing.T) {
	assert.True(t, meetsCriteria("contains:42 passed", 1, "result: 42 passed"))
	assert.False(t, meetsCriteria("contains:42 passed", 0, "result: 3 failed"))
	assert.True(t, meetsCriteria("not_contains:FAIL", 0, "all good"))
	assert.False(t, meetsCriteria("not_contains:FAIL", 0, "--- FAIL: TestX"))
	assert.True(t, meetsCriteria("", 0, ""))
	assert.False(t, meetsCriteria("exit_code_0", 1, ""))
	assert.True(t, meetsCriteria("unknown scheme", 0, ""))
}

func TestImportedProjectSkipsVerification(t *testing.T) {
	repo, err := project.NewRepository(t.TempDir())
	require.NoError(t, err)
	existing := t.TempDir()
	p, err := repo.Import(existing, "legacy app")
	require.NoError(t, err)
	require.NoError(t, repo.Transition(p.ID, project.StatusAwaitingVerification))

	v := New(repo, Config{SkipForImportedProjects: true})
	v.runCommand = func(ctx context.Context, workspace, command string) (int, string, error) {
		t.Fatal("no command should run for a skipped project")
		return 0, "", nil
	}

	require.NoError(t, v.Process(context.Background(), p.ID))

	got, _ := repo.Get(p.ID)
	assert.Equal(t, project.StatusCompleted, got.Status)
	assert.Equal(t, project.VerificationSkipped, got.Verification.Status)
}

func TestNoStepsPassesByDefault(t *testing.T) {
	repo, p := newAwaitingProject(t)

	v := New(repo, Config{RequireAllChecksPassing: true})
	require.NoError(t, v.Process(context.Background(), p.ID))

	got, _ := repo.Get(p.ID)
	assert.Equal(t, project.StatusCompleted, got.Status)
}

func TestDetectSteps(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, DetectSteps(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0644))
	steps := DetectSteps(dir)
	require.Len(t, steps, 2)
	assert.Equal(t, "go build ./...", steps[0].Command)
	assert.Equal(t, project.PriorityCritical, steps[0].Priority)

	// package.json takes precedence over go.mod.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0644))
	steps = DetectSteps(dir)
	require.Len(t, steps, 2)
	assert.Equal(t, "npm install", steps[0].Command)

	pydir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pydir, "pyproject.toml"), []byte(""), 0644))
	steps = DetectSteps(pydir)
	require.Len(t, steps, 1)
	assert.Equal(t, "python -m pytest", steps[0].Command)
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, project.PriorityCritical, parsePriority("critical"))
	assert.Equal(t, project.PriorityLow, parsePriority(" Low "))
	assert.Equal(t, project.PriorityHigh, parsePriority("whatever"))
}
