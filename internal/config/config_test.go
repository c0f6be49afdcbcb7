package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 60*time.Second, cfg.Workers.WyrmInterval)
	assert.Equal(t, 30*time.Second, cfg.Workers.ExecutionInterval)
	assert.Equal(t, 3, cfg.Workers.VerificationConcurrency)
	assert.Equal(t, 4, cfg.Workers.KoboldsPerProject)
	assert.Equal(t, 30*time.Minute, cfg.Workers.StuckKoboldTimeout)
	assert.Equal(t, 10, cfg.Agent.MaxIterations)
	assert.Equal(t, 30, cfg.Agent.KoboldMaxIterations)
	assert.Equal(t, 600, cfg.Verification.TimeoutSeconds)
	assert.True(t, cfg.Verification.SkipForImportedProjects)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brood.yaml")
	content := []byte(`
projects_path: /srv/brood
provider:
  provider: ollama
  model: qwen2.5-coder
  base_url: http://localhost:11434
workers:
  execution_interval: 10s
  kobolds_per_project: 2
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/brood", cfg.ProjectsPath)
	assert.Equal(t, "ollama", cfg.Provider.Provider)
	assert.Equal(t, 10*time.Second, cfg.Workers.ExecutionInterval)
	assert.Equal(t, 2, cfg.Workers.KoboldsPerProject)
	// Untouched fields keep defaults.
	assert.Equal(t, 60*time.Second, cfg.Workers.WyrmInterval)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestProviderConfigWithDefaults(t *testing.T) {
	global := ProviderConfig{Provider: "anthropic", Model: "claude", APIKey: "sk-real-key", BaseURL: "https://api.example.com", TimeoutSeconds: 120}

	merged := ProviderConfig{Provider: "ollama", Model: "local-model"}.WithDefaults(global)
	assert.Equal(t, "ollama", merged.Provider)
	assert.Equal(t, "local-model", merged.Model)
	assert.Equal(t, "sk-real-key", merged.APIKey)
	assert.Equal(t, "https://api.example.com", merged.BaseURL)
	assert.Equal(t, 120, merged.TimeoutSeconds)

	assert.Equal(t, global, ProviderConfig{}.WithDefaults(global))

	full := ProviderConfig{Provider: "openai", Model: "m", APIKey: "other", BaseURL: "http://localhost", TimeoutSeconds: 30}
	assert.Equal(t, full, full.WithDefaults(global))
}
