package plan

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brood/internal/tools"
)

func newPlan(taskID string) *Plan {
	return &Plan{
		PlanID:    "pl-test0001",
		ProjectID: "pj-test0001",
		TaskID:    taskID,
		AgentType: "backend",
		Area:      "backend",
		TaskIndex: 1,
		Title:     "Set up HTTP server",
		Status:    StatusReady,
		Steps: []Step{
			{Index: 0, Title: "Scaffold the server", Status: StepPending, FilesToModify: []string{"src/server.ts"}},
			{Index: 1, Title: "Add routes", Status: StepPending},
			{Index: 2, Title: "Write tests", Status: StepPending},
		},
	}
}

func TestLoadOrCreateCreatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	p, err := store.LoadOrCreate("abcd1234", "v-1", func() *Plan { return newPlan("abcd1234") })
	require.NoError(t, err)
	assert.Equal(t, "v-1", p.SpecVersionID)

	store.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "plan-index.json")
	assert.Contains(t, names, "backend-1-set-up-http-server-abcd1234-plan.json")
	assert.Contains(t, names, "backend-1-set-up-http-server-abcd1234-plan.md")
}

func TestReloadFromDiskKeepsStepState(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	_, err = store.LoadOrCreate("abcd1234", "v-1", func() *Plan { return newPlan("abcd1234") })
	require.NoError(t, err)
	require.NoError(t, store.UpdateStep("abcd1234", 0, StepCompleted, "server scaffolded"))
	store.Close()

	reopened, err := NewStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	p, err := reopened.LoadOrCreate("abcd1234", "v-1", func() *Plan {
		t.Fatal("create must not be called when the persisted plan is valid")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, p.Steps[0].Status)
	assert.Equal(t, 1, p.CurrentStepIndex)
}

func TestSpecVersionDriftRegeneratesPlan(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.LoadOrCreate("abcd1234", "v-1", func() *Plan { return newPlan("abcd1234") })
	require.NoError(t, err)
	require.NoError(t, store.UpdateStep("abcd1234", 0, StepCompleted, ""))

	p, err := store.LoadOrCreate("abcd1234", "v-2", func() *Plan { return newPlan("abcd1234") })
	require.NoError(t, err)
	assert.Equal(t, "v-2", p.SpecVersionID)
	assert.Equal(t, StepPending, p.Steps[0].Status, "regenerated plan starts fresh")
	require.NotEmpty(t, p.Log)
	assert.Contains(t, p.Log[len(p.Log)-1], "spec version changed v-1→v-2, regenerating")
}

func TestStepAdvanceRules(t *testing.T) {
	p := newPlan("abcd1234")

	require.NoError(t, p.SetStepStatus(0, StepCompleted, ""))
	assert.Equal(t, 1, p.CurrentStepIndex)

	// Failed never advances the index.
	require.NoError(t, p.SetStepStatus(1, StepFailed, "could not add routes"))
	assert.Equal(t, 1, p.CurrentStepIndex)

	require.NoError(t, p.SetStepStatus(2, StepSkipped, ""))
	assert.Equal(t, 1, p.CurrentStepIndex, "skipping a later step does not move the cursor")

	assert.True(t, p.AllStepsTerminal())
	assert.Equal(t, StatusCompleted, p.FinishStatus())
}

func TestFinishStatusPartialPlanStaysInProgress(t *testing.T) {
	p := newPlan("abcd1234")
	require.NoError(t, p.SetStepStatus(0, StepCompleted, ""))
	assert.Equal(t, StatusInProgress, p.FinishStatus())
}

func TestEmptyPlanNeverCompleted(t *testing.T) {
	p := &Plan{Steps: nil}
	assert.False(t, p.AllStepsTerminal())
}

func TestSetStepStatusOutOfRange(t *testing.T) {
	p := newPlan("abcd1234")
	require.Error(t, p.SetStepStatus(99, StepCompleted, ""))
	require.Error(t, p.SetStepStatus(-1, StepCompleted, ""))
}

func TestStepToolUpdatesPlan(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.LoadOrCreate("abcd1234", "v-1", func() *Plan { return newPlan("abcd1234") })
	require.NoError(t, err)

	tool := NewStepTool(store, "abcd1234")
	res := tool.Execute(context.Background(), tools.ToolCall{ID: "1", Name: "update_plan_step", Input: map[string]any{
		"step_index": float64(0),
		"status":     "Completed",
		"output":     "done with scaffolding",
	}})
	require.NoError(t, res.Err)

	p, ok := store.Get("abcd1234")
	require.True(t, ok)
	assert.Equal(t, StepCompleted, p.Steps[0].Status)
	assert.Equal(t, "done with scaffolding", p.Steps[0].Output)
}

func TestStepToolRejectsBadStatus(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.LoadOrCreate("abcd1234", "v-1", func() *Plan { return newPlan("abcd1234") })
	require.NoError(t, err)

	tool := NewStepTool(store, "abcd1234")
	res := tool.Execute(context.Background(), tools.ToolCall{ID: "1", Name: "update_plan_step", Input: map[string]any{
		"step_index": float64(0),
		"status":     "Perfect",
	}})
	require.Error(t, res.Err)
}

func TestMarkdownMirror(t *testing.T) {
	p := newPlan("abcd1234")
	require.NoError(t, p.SetStepStatus(0, StepCompleted, "scaffolded\nsecond line"))
	out := renderMarkdown(p)
	assert.True(t, strings.HasPrefix(out, "# Plan: Set up HTTP server"))
	assert.Contains(t, out, "1. [x] Scaffold the server")
	assert.Contains(t, out, "> scaffolded")
	assert.NotContains(t, out, "second line")
}

func TestClonesDoNotAliasStoreState(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	defer store.Close()

	p, err := store.LoadOrCreate("abcd1234", "v-1", func() *Plan { return newPlan("abcd1234") })
	require.NoError(t, err)
	p.Steps[0].Status = StepFailed

	fresh, ok := store.Get("abcd1234")
	require.True(t, ok)
	assert.Equal(t, StepPending, fresh.Steps[0].Status)
}

func TestFileStemSanitizesTitle(t *testing.T) {
	p := newPlan("abcd1234")
	p.Title = "Fix: crash in /api/users?id=1 (urgent!)"
	stem := fileStem(p)
	assert.Equal(t, "backend-1-fix-crash-in-api-users-id-1-urgent-abcd1234-plan", stem)
	assert.NotContains(t, stem, "/")

	// Stems never collide with other plans because the task id is embedded.
	other := newPlan("ffff0000")
	other.Title = p.Title
	assert.NotEqual(t, stem, fileStem(other))
}

func TestMutateUnknownTask(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	defer store.Close()
	require.Error(t, store.UpdateStep("missing", 0, StepCompleted, ""))
}
