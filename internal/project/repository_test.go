package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brood/internal/config"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(t.TempDir())
	require.NoError(t, err)
	return repo
}

func TestCreateLaysOutDirectories(t *testing.T) {
	repo := newTestRepo(t)

	p, err := repo.Create("My Shiny App!")
	require.NoError(t, err)
	assert.Equal(t, "my-shiny-app", p.Name)
	assert.Equal(t, StatusPrototype, p.Status)
	assert.NotEmpty(t, p.ID)

	for _, dir := range []string{p.WorkspacePath, p.TasksDir, p.PlansDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestCreateRejectsDuplicateSanitizedNames(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Create("todo app")
	require.NoError(t, err)
	_, err = repo.Create("Todo  App")
	require.Error(t, err)
}

func TestCreateRejectsEmptyName(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Create("!!!")
	require.Error(t, err)
}

func TestRegistrySurvivesReload(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewRepository(dir)
	require.NoError(t, err)
	created, err := repo.Create("persisted")
	require.NoError(t, err)
	require.NoError(t, repo.Transition(created.ID, StatusNew))

	reopened, err := NewRepository(dir)
	require.NoError(t, err)
	got, err := reopened.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, got.Status)
	assert.Equal(t, "persisted", got.Name)
}

func TestTransitionGraph(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPrototype, StatusNew, true},
		{StatusNew, StatusWyrmAssigned, true},
		{StatusNew, StatusAnalyzed, true}, // forward skip
		{StatusAnalyzed, StatusInProgress, true},
		{StatusInProgress, StatusAwaitingVerification, true},
		{StatusAwaitingVerification, StatusVerified, true},
		{StatusVerified, StatusCompleted, true},
		{StatusAwaitingVerification, StatusInProgress, true}, // sole back-edge
		{StatusCompleted, StatusInProgress, false},
		{StatusVerified, StatusNew, false},
		{StatusInProgress, StatusNew, false},
		{StatusInProgress, StatusFailed, true},
		{StatusFailed, StatusInProgress, false},
		{StatusCompleted, StatusFailed, false},
		{StatusNew, StatusNew, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransitionRejectedByRepository(t *testing.T) {
	repo := newTestRepo(t)
	p, err := repo.Create("strict")
	require.NoError(t, err)
	require.NoError(t, repo.Transition(p.ID, StatusNew))

	err = repo.Transition(p.ID, StatusPrototype)
	require.Error(t, err)
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusNew, terr.From)

	got, _ := repo.Get(p.ID)
	assert.Equal(t, StatusNew, got.Status)
}

func TestSpecVersionAppendsOnChangeOnly(t *testing.T) {
	repo := newTestRepo(t)
	p, err := repo.Create("versioned")
	require.NoError(t, err)

	v1, err := repo.WriteSpec(p.ID, "# spec v1")
	require.NoError(t, err)

	// Unchanged content keeps the same version.
	again, err := repo.RefreshSpecVersion(p.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.VersionID, again.VersionID)

	v2, err := repo.WriteSpec(p.ID, "# spec v2")
	require.NoError(t, err)
	assert.NotEqual(t, v1.VersionID, v2.VersionID)

	got, _ := repo.Get(p.ID)
	require.Len(t, got.SpecVersions, 2)
	assert.Equal(t, v2.VersionID, got.ActiveSpecVersion().VersionID)
}

func TestImportMarksProjectAndKeepsWorkspace(t *testing.T) {
	repo := newTestRepo(t)
	existing := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(existing, "main.go"), []byte("package main"), 0644))

	p, err := repo.Import(existing, "legacy service")
	require.NoError(t, err)
	assert.True(t, p.Imported)
	assert.Equal(t, existing, p.WorkspacePath)
	assert.Equal(t, "legacy-service", p.Name)
}

func TestProviderOverrideResolution(t *testing.T) {
	repo := newTestRepo(t)
	p, err := repo.Create("overridden")
	require.NoError(t, err)

	global := config.ProviderConfig{Provider: "anthropic", Model: "global-model", APIKey: "sk-real-key", TimeoutSeconds: 120}
	override := config.ProviderConfig{Provider: "ollama", Model: "local-model"}
	require.NoError(t, repo.SetProviderOverride(p.ID, "kobold", override))

	got, _ := repo.Get(p.ID)
	resolved := got.ProviderFor("kobold", global)
	assert.Equal(t, "ollama", resolved.Provider)
	assert.Equal(t, "local-model", resolved.Model)
	assert.Equal(t, "sk-real-key", resolved.APIKey, "override without credentials inherits the global key")
	assert.Equal(t, 120, resolved.TimeoutSeconds)
	assert.Equal(t, "global-model", got.ProviderFor("wyrm", global).Model)
}

func TestAddTaskFileIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	p, err := repo.Create("tasked")
	require.NoError(t, err)

	path := filepath.Join(p.TasksDir, "backend-tasks.md")
	require.NoError(t, repo.AddTaskFile(p.ID, path))
	require.NoError(t, repo.AddTaskFile(p.ID, path))

	got, _ := repo.Get(p.ID)
	assert.Equal(t, []string{path}, got.TaskFiles)
}

func TestFeatureRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	p, err := repo.Create("featured")
	require.NoError(t, err)
	_, err = repo.WriteSpec(p.ID, "# spec")
	require.NoError(t, err)

	require.NoError(t, repo.AddFeature(p.ID, "auth", "login and sessions"))
	require.NoError(t, repo.AddFeature(p.ID, "billing", ""))
	require.NoError(t, repo.RemoveFeature(p.ID, "billing"))

	set, err := repo.LoadFeatures(p.ID)
	require.NoError(t, err)
	require.Len(t, set.Features, 2)
	assert.False(t, set.Features[0].Removed)
	assert.True(t, set.Features[1].Removed)
	assert.NotEmpty(t, set.Versions)
}

func TestListByStatus(t *testing.T) {
	repo := newTestRepo(t)
	a, _ := repo.Create("alpha")
	_, _ = repo.Create("beta")
	require.NoError(t, repo.Transition(a.ID, StatusNew))

	assert.Len(t, repo.ListByStatus(StatusNew), 1)
	assert.Len(t, repo.ListByStatus(StatusPrototype), 1)
	assert.Empty(t, repo.ListByStatus(StatusCompleted))
}

func TestClonesDoNotAliasRegistryState(t *testing.T) {
	repo := newTestRepo(t)
	p, err := repo.Create("isolated")
	require.NoError(t, err)

	got, _ := repo.Get(p.ID)
	got.Status = StatusCompleted
	got.TaskFiles = append(got.TaskFiles, "rogue.md")

	fresh, _ := repo.Get(p.ID)
	assert.Equal(t, StatusPrototype, fresh.Status)
	assert.Empty(t, fresh.TaskFiles)
}
