package wyvern

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brood/internal/llm"
	"brood/internal/project"
	"brood/internal/taskfile"
)

type cannedGateway struct {
	responses []*llm.Response
}

func (g *cannedGateway) SendMessage(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, systemPrompt string) *llm.Response {
	if len(g.responses) == 0 {
		return &llm.Response{StopReason: llm.StopEndTurn, Content: []llm.ContentBlock{{Type: "text", Text: "{}"}}}
	}
	resp := g.responses[0]
	g.responses = g.responses[1:]
	return resp
}

func endTurn(text string) *llm.Response {
	return &llm.Response{StopReason: llm.StopEndTurn, Content: []llm.ContentBlock{{Type: "text", Text: text}}}
}

const recommendation = `{"projectId": "x", "detectedLanguages": ["typescript"], "suggestedAgentTypes": ["backend"]}`

func newAnalyzedProject(t *testing.T) (*project.Repository, *project.Project) {
	t.Helper()
	repo, err := project.NewRepository(t.TempDir())
	require.NoError(t, err)
	p, err := repo.Create("deep app")
	require.NoError(t, err)
	_, err = repo.WriteSpec(p.ID, "# Todo API")
	require.NoError(t, err)
	require.NoError(t, repo.Transition(p.ID, project.StatusWyrmAssigned))
	require.NoError(t, os.WriteFile(p.RecommendationPath, []byte(recommendation), 0644))
	p, err = repo.Get(p.ID)
	require.NoError(t, err)
	return repo, p
}

const analysisReply = `{
  "areas": [
    {"name": "Backend", "description": "API work", "tasks": [
      {"title": "Design the schema", "priority": "Critical", "agentType": "backend"},
      {"title": "Implement endpoints", "priority": "High", "agentType": "backend", "dependsOn": ["Design the schema"]},
      {"title": "Add integration tests", "priority": "Medium", "agentType": "backend", "dependsOn": ["Implement endpoints"]}
    ]}
  ],
  "estimatedComplexity": "medium",
  "structure": {"architectureNotes": "Layered REST service."}
}`

func TestProcessWritesAnalysisPairAndTaskFiles(t *testing.T) {
	repo, p := newAnalyzedProject(t)
	w := New(&cannedGateway{responses: []*llm.Response{endTurn(analysisReply)}}, repo, nil)

	require.NoError(t, w.Process(context.Background(), p.ID))

	got, err := repo.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, project.StatusAnalyzed, got.Status)

	// Machine-readable analysis.
	raw, err := os.ReadFile(filepath.Join(got.RootDir, "analysis.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Design the schema")
	assert.Contains(t, string(raw), got.ActiveSpecVersion().VersionID)

	// Human-readable analysis.
	md, err := os.ReadFile(p.AnalysisPath)
	require.NoError(t, err)
	assert.Contains(t, string(md), "## Backend")
	assert.Contains(t, string(md), "Layered REST service.")

	// One task file per area, registered on the project; the Documentation
	// area is synthesized with the README task.
	require.Len(t, got.TaskFiles, 2)
	backend, err := taskfile.ParseFile(filepath.Join(p.TasksDir, "backend-tasks.md"))
	require.NoError(t, err)
	assert.Len(t, backend.Tasks, 3)

	docs, err := taskfile.ParseFile(filepath.Join(p.TasksDir, "documentation-tasks.md"))
	require.NoError(t, err)
	require.Len(t, docs.Tasks, 1)
	assert.Contains(t, docs.Tasks[0].Description, "README")
	assert.Equal(t, "Critical", docs.Tasks[0].Priority)
}

func TestDependencyLevels(t *testing.T) {
	a := &Analysis{Areas: []Area{{Name: "Backend", Tasks: []Task{
		{Title: "A"},
		{Title: "B", DependsOn: []string{"A"}},
		{Title: "C", DependsOn: []string{"A", "B"}},
		{Title: "D", DependsOn: []string{"unknown task"}},
	}}}}
	require.NoError(t, computeLevels(a))

	tasks := a.Areas[0].Tasks
	assert.Equal(t, 0, tasks[0].Level)
	assert.Equal(t, 1, tasks[1].Level)
	assert.Equal(t, 2, tasks[2].Level)
	assert.Equal(t, 0, tasks[3].Level, "unknown references are ignored")
}

func TestDependencyCycleAborts(t *testing.T) {
	a := &Analysis{Areas: []Area{{Name: "Backend", Tasks: []Task{
		{Title: "A", DependsOn: []string{"B"}},
		{Title: "B", DependsOn: []string{"A"}},
	}}}}
	err := computeLevels(a)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.NotEmpty(t, cycleErr.Tasks)
}

func TestCycleLeavesNoPartialTaskFiles(t *testing.T) {
	repo, p := newAnalyzedProject(t)
	cyclic := `{"areas": [{"name": "Backend", "tasks": [
		{"title": "A", "dependsOn": ["B"]},
		{"title": "B", "dependsOn": ["A"]}
	]}]}`
	w := New(&cannedGateway{responses: []*llm.Response{endTurn(cyclic)}}, repo, nil)

	err := w.Process(context.Background(), p.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	entries, readErr := os.ReadDir(p.TasksDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "no partial task files on abort")

	got, _ := repo.Get(p.ID)
	assert.Equal(t, project.StatusWyrmAssigned, got.Status)
	assert.Empty(t, got.TaskFiles)
}

func TestMissingRecommendationDefersProcessing(t *testing.T) {
	repo, err := project.NewRepository(t.TempDir())
	require.NoError(t, err)
	p, err := repo.Create("early app")
	require.NoError(t, err)
	_, err = repo.WriteSpec(p.ID, "# spec")
	require.NoError(t, err)

	w := New(&cannedGateway{}, repo, nil)
	err = w.Process(context.Background(), p.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestStableTaskIDs(t *testing.T) {
	build := func() *Analysis {
		a := &Analysis{Areas: []Area{{Name: "Backend", Tasks: []Task{
			{Title: "Design the schema"},
			{Title: "Implement endpoints"},
		}}}}
		assignTaskIDs(a)
		return a
	}
	first := build()
	second := build()
	assert.Equal(t, first.Areas[0].Tasks[0].ID, second.Areas[0].Tasks[0].ID)
	assert.Len(t, first.Areas[0].Tasks[0].ID, 8)
	assert.NotEqual(t, first.Areas[0].Tasks[0].ID, first.Areas[0].Tasks[1].ID)
}

func TestReadmeTaskAlwaysPresent(t *testing.T) {
	a := &Analysis{Areas: []Area{{Name: "Documentation", Tasks: []Task{
		{Title: "Write API docs", Priority: "Low"},
	}}}}
	ensureReadmeTask(a)
	require.Len(t, a.Areas[0].Tasks, 2)
	assert.Equal(t, "Write README documentation", a.Areas[0].Tasks[1].Title)

	// Idempotent.
	ensureReadmeTask(a)
	assert.Len(t, a.Areas[0].Tasks, 2)
}

func TestTaskFilesOrderedByLevel(t *testing.T) {
	tasks := []Task{
		{Title: "C", Level: 2},
		{Title: "A", Level: 0},
		{Title: "B", Level: 1},
	}
	sorted := sortByLevel(tasks)
	assert.Equal(t, []string{"A", "B", "C"}, []string{sorted[0].Title, sorted[1].Title, sorted[2].Title})
}
