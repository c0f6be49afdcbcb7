package workers

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brood/internal/agent"
	"brood/internal/config"
	"brood/internal/llm"
	"brood/internal/planctx"
	"brood/internal/project"
)

func TestRunnerSkipsTickWhileCycleActive(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	r := NewRunner("test", time.Hour, 0, func(ctx context.Context) {
		close(started)
		<-release
	}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.True(t, r.RunOnce(context.Background()))
	}()
	<-started

	assert.False(t, r.RunOnce(context.Background()), "overlapping cycle is skipped")

	close(release)
	wg.Wait()
	assert.True(t, r.RunOnce(context.Background()), "runner recovers after the cycle ends")
}

func TestRunnerNeverOverlapsCycles(t *testing.T) {
	var active, maxActive, total int64
	r := NewRunner("test", 5*time.Millisecond, 0, func(ctx context.Context) {
		n := atomic.AddInt64(&active, 1)
		if n > atomic.LoadInt64(&maxActive) {
			atomic.StoreInt64(&maxActive, n)
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		atomic.AddInt64(&total, 1)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	r.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt64(&total), int64(2))
	assert.Equal(t, int64(1), atomic.LoadInt64(&maxActive), "at most one cycle at a time")
}

func TestRunnerStopBeforeFirstTick(t *testing.T) {
	var ran int64
	r := NewRunner("test", time.Hour, time.Hour, func(ctx context.Context) {
		atomic.AddInt64(&ran, 1)
	}, nil)
	r.Start(context.Background())
	r.Stop()
	assert.Zero(t, atomic.LoadInt64(&ran), "stagger offset window respects Stop")
}

// staticGateway always answers with the same end-turn text.
type staticGateway struct {
	mu    sync.Mutex
	text  string
	calls int
}

func (g *staticGateway) SendMessage(ctx context.Context, messages []llm.Message, schemas []llm.ToolSchema, systemPrompt string) *llm.Response {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return &llm.Response{StopReason: llm.StopEndTurn, Content: []llm.ContentBlock{{Type: "text", Text: g.text}}}
}

const wyrmReply = `{
	"detectedLanguages": ["go"],
	"suggestedAgentTypes": ["backend"],
	"verificationSteps": [{"type": "test", "command": "true", "priority": "Critical", "criteria": "exit_code_0"}]
}`

const wyvernReply = `{
	"areas": [{"name": "Backend", "description": "core", "tasks": [
		{"title": "Implement the API", "priority": "High", "agentType": "backend"}
	]}],
	"estimatedComplexity": "low"
}`

// Kobolds parse this as their plan and finish on the same reply.
const koboldReply = `{"steps": [{"title": "do the work", "description": "single step"}]}`

func newSupervisor(t *testing.T) (*Supervisor, *project.Repository, *project.Project) {
	t.Helper()
	repo, err := project.NewRepository(t.TempDir())
	require.NoError(t, err)
	p, err := repo.Create("pipeline app")
	require.NoError(t, err)
	_, err = repo.WriteSpec(p.ID, "# Small API\nBuild a tiny HTTP API.")
	require.NoError(t, err)
	require.NoError(t, repo.Transition(p.ID, project.StatusNew))

	gateways := map[string]agent.Gateway{
		"wyrm":   &staticGateway{text: wyrmReply},
		"wyvern": &staticGateway{text: wyvernReply},
	}
	resolver := func(p *project.Project, agentType string) agent.Gateway {
		if gw, ok := gateways[agentType]; ok {
			return gw
		}
		return &staticGateway{text: koboldReply}
	}

	ctxMgr, err := planctx.NewManager(8, func(projectID string) (string, error) {
		got, err := repo.Get(projectID)
		if err != nil {
			return "", err
		}
		return got.RootDir, nil
	})
	require.NoError(t, err)

	cfg := config.Default()
	s := NewSupervisor(Config{
		Repo:         repo,
		Gateways:     resolver,
		Context:      ctxMgr,
		Workers:      cfg.Workers,
		Verification: cfg.Verification,
		Agent:        config.AgentConfig{KoboldMaxIterations: 5},
	})
	t.Cleanup(s.Stop)

	p, err = repo.Get(p.ID)
	require.NoError(t, err)
	return s, repo, p
}

func TestPipelineRunsProjectToCompletion(t *testing.T) {
	s, repo, p := newSupervisor(t)
	ctx := context.Background()

	s.wyrmCycle(ctx)
	got, _ := repo.Get(p.ID)
	require.Equal(t, project.StatusWyrmAssigned, got.Status)

	s.wyvernCycle(ctx)
	got, _ = repo.Get(p.ID)
	require.Equal(t, project.StatusAnalyzed, got.Status)
	require.NotEmpty(t, got.TaskFiles)

	// One execution cycle starts the project and runs every task to a
	// terminal state; the project then awaits verification.
	s.executionCycle(ctx)
	got, _ = repo.Get(p.ID)
	require.Equal(t, project.StatusAwaitingVerification, got.Status)
	assert.Empty(t, s.drakes.Active(), "execution state is released with the project")

	s.verificationCycle(ctx)
	got, _ = repo.Get(p.ID)
	require.Equal(t, project.StatusCompleted, got.Status)
	assert.Equal(t, project.VerificationPassed, got.Verification.Status)
}

func TestMonitoringCycleOnIdleSupervisor(t *testing.T) {
	s, _, _ := newSupervisor(t)
	// No drakes yet; the cycle is a no-op rather than a panic.
	s.monitoringCycle(context.Background())
}

func TestAllDoneRequiresDrakes(t *testing.T) {
	s, _, p := newSupervisor(t)
	assert.False(t, s.drakes.AllDone(p.ID), "a project with no execution state is not done")
}

func TestAreaFromTaskFile(t *testing.T) {
	assert.Equal(t, "backend", areaFromTaskFile("/x/tasks/backend-tasks.md"))
	assert.Equal(t, "verification-fixes", areaFromTaskFile("verification-fixes-tasks.md"))
}

func TestDrakesForRefreshesCachedSpecVersion(t *testing.T) {
	s, repo, p := newSupervisor(t)

	require.NoError(t, os.MkdirAll(p.TasksDir, 0755))
	taskFile := filepath.Join(p.TasksDir, "backend-tasks.md")
	table := "| id | description | status | assignee |\n|---|---|---|---|\n| t0000001 | Build the API | unassigned | unassigned |\n"
	require.NoError(t, os.WriteFile(taskFile, []byte(table), 0644))
	require.NoError(t, repo.AddTaskFile(p.ID, taskFile))

	got, err := repo.Get(p.ID)
	require.NoError(t, err)
	drakes, err := s.drakes.DrakesFor(got)
	require.NoError(t, err)
	require.Len(t, drakes, 1)
	v1 := got.ActiveSpecVersion().VersionID
	assert.Equal(t, v1, drakes[0].SpecVersion())

	// Edit the spec; the cached Drake must follow the new active version.
	_, err = repo.WriteSpec(p.ID, "# Small API\nBuild a tiny HTTP API with auth.")
	require.NoError(t, err)
	got, err = repo.Get(p.ID)
	require.NoError(t, err)
	v2 := got.ActiveSpecVersion().VersionID
	require.NotEqual(t, v1, v2)

	drakes, err = s.drakes.DrakesFor(got)
	require.NoError(t, err)
	require.Len(t, drakes, 1)
	assert.Equal(t, v2, drakes[0].SpecVersion())
}
