// Package config loads the orchestrator configuration: global defaults from
// file/environment via viper, with per-project overrides persisted on the
// project records themselves.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ProviderConfig selects and authenticates one LLM backend.
type ProviderConfig struct {
	Provider       string `mapstructure:"provider" json:"provider"`
	Model          string `mapstructure:"model" json:"model"`
	APIKey         string `mapstructure:"api_key" json:"api_key,omitempty"`
	BaseURL        string `mapstructure:"base_url" json:"base_url,omitempty"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// WithDefaults fills the config's unset fields from fallback. Overrides are
// partial records; everything they leave out inherits.
func (c ProviderConfig) WithDefaults(fallback ProviderConfig) ProviderConfig {
	if c.Provider == "" {
		c.Provider = fallback.Provider
	}
	if c.Model == "" {
		c.Model = fallback.Model
	}
	if c.APIKey == "" {
		c.APIKey = fallback.APIKey
	}
	if c.BaseURL == "" {
		c.BaseURL = fallback.BaseURL
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = fallback.TimeoutSeconds
	}
	return c
}

// WorkersConfig tunes the periodic services.
type WorkersConfig struct {
	WyrmInterval         time.Duration `mapstructure:"wyrm_interval"`
	WyvernInterval       time.Duration `mapstructure:"wyvern_interval"`
	ExecutionInterval    time.Duration `mapstructure:"execution_interval"`
	MonitoringInterval   time.Duration `mapstructure:"monitoring_interval"`
	VerificationInterval time.Duration `mapstructure:"verification_interval"`

	WyrmConcurrency         int `mapstructure:"wyrm_concurrency"`
	WyvernConcurrency       int `mapstructure:"wyvern_concurrency"`
	ExecutionConcurrency    int `mapstructure:"execution_concurrency"`
	MonitoringConcurrency   int `mapstructure:"monitoring_concurrency"`
	VerificationConcurrency int `mapstructure:"verification_concurrency"`

	KoboldsPerProject  int           `mapstructure:"kobolds_per_project"`
	StuckKoboldTimeout time.Duration `mapstructure:"stuck_kobold_timeout"`
	StaggerEnabled     bool          `mapstructure:"stagger_enabled"`
}

// VerificationConfig holds the global verification policy; projects may
// override individual fields.
type VerificationConfig struct {
	Enabled                 bool `mapstructure:"enabled" json:"enabled"`
	TimeoutSeconds          int  `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	AutoCreateFixTasks      bool `mapstructure:"auto_create_fix_tasks" json:"auto_create_fix_tasks"`
	RequireAllChecksPassing bool `mapstructure:"require_all_checks_passing" json:"require_all_checks_passing"`
	SkipForImportedProjects bool `mapstructure:"skip_for_imported_projects" json:"skip_for_imported_projects"`
}

// AgentConfig bounds agent loops and interactive prompts.
type AgentConfig struct {
	MaxIterations       int           `mapstructure:"max_iterations"`
	KoboldMaxIterations int           `mapstructure:"kobold_max_iterations"`
	AskUserTimeout      time.Duration `mapstructure:"ask_user_timeout"`
}

// ServerConfig configures the session transport.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is the root configuration.
type Config struct {
	ProjectsPath string                    `mapstructure:"projects_path"`
	Provider     ProviderConfig            `mapstructure:"provider"`
	AgentTypes   map[string]ProviderConfig `mapstructure:"agent_types"`
	Workers      WorkersConfig             `mapstructure:"workers"`
	Verification VerificationConfig        `mapstructure:"verification"`
	Agent        AgentConfig               `mapstructure:"agent"`
	Server       ServerConfig              `mapstructure:"server"`
}

// Load reads configuration from the optional file path plus BROOD_* env vars.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BROOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration without touching files or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("projects_path", "./projects")

	v.SetDefault("provider.provider", "anthropic")
	v.SetDefault("provider.model", "")
	v.SetDefault("provider.timeout_seconds", 120)

	v.SetDefault("workers.wyrm_interval", 60*time.Second)
	v.SetDefault("workers.wyvern_interval", 60*time.Second)
	v.SetDefault("workers.execution_interval", 30*time.Second)
	v.SetDefault("workers.monitoring_interval", 60*time.Second)
	v.SetDefault("workers.verification_interval", 30*time.Second)
	v.SetDefault("workers.wyrm_concurrency", 5)
	v.SetDefault("workers.wyvern_concurrency", 5)
	v.SetDefault("workers.execution_concurrency", 5)
	v.SetDefault("workers.monitoring_concurrency", 5)
	v.SetDefault("workers.verification_concurrency", 3)
	v.SetDefault("workers.kobolds_per_project", 4)
	v.SetDefault("workers.stuck_kobold_timeout", 30*time.Minute)
	v.SetDefault("workers.stagger_enabled", false)

	v.SetDefault("verification.enabled", true)
	v.SetDefault("verification.timeout_seconds", 600)
	v.SetDefault("verification.auto_create_fix_tasks", true)
	v.SetDefault("verification.require_all_checks_passing", true)
	v.SetDefault("verification.skip_for_imported_projects", true)

	v.SetDefault("agent.max_iterations", 10)
	v.SetDefault("agent.kobold_max_iterations", 30)
	v.SetDefault("agent.ask_user_timeout", 5*time.Minute)

	v.SetDefault("server.addr", ":8799")
}
