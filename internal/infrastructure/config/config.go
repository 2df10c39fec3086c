package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the runtime's layered configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	CostGuard  CostGuardConfig  `mapstructure:"cost_guard"`
	Skills     SkillsConfig     `mapstructure:"skills"`
	Tape       TapeConfig       `mapstructure:"tape"`
}

// LogConfig controls structured-logging output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AgentConfig names the model the run is attributed to for cost/skill
// accounting. The provider wire protocol itself is out of scope (spec §6).
type AgentConfig struct {
	DefaultModel string `mapstructure:"default_model"`
	Workspace    string `mapstructure:"workspace"`
}

// RuntimeConfig bounds tool execution.
type RuntimeConfig struct {
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
}

// GuardrailsConfig feeds ContextArena/ContextBudget.
type GuardrailsConfig struct {
	ContextMaxTokens int     `mapstructure:"context_max_tokens"`
	WarnRatio        float64 `mapstructure:"warn_ratio"`
	HardRatio        float64 `mapstructure:"hard_ratio"`
}

// CostGuardConfig feeds CostTracker.
type CostGuardConfig struct {
	MaxCostUSDPerSession float64 `mapstructure:"max_cost_usd_per_session"`
	MaxCostUSDPerSkill   float64 `mapstructure:"max_cost_usd_per_skill"`
	AlertThresholdRatio  float64 `mapstructure:"alert_threshold_ratio"`
}

// SkillsConfig feeds SkillRegistry discovery and access-mode enforcement.
type SkillsConfig struct {
	Disabled   []string `mapstructure:"disabled"`
	AccessMode string   `mapstructure:"access_mode"` // off | warn | enforce
}

// TapeConfig feeds TapeCheckpointer.
type TapeConfig struct {
	CheckpointIntervalEntries int `mapstructure:"checkpoint_interval_entries"`
}

// Load reads layered configuration: defaults -> ~/.brewva/config.yaml ->
// ./config.yaml (project override) -> BREWVA_* environment variables.
// Mirrors the teacher's config.Load tiering, narrowed to this runtime's
// own concerns.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", explicitPath, err)
		}
	} else {
		v.AddConfigPath(HomeDir())
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read global config: %w", err)
			}
		}

		localPath := "config.yaml"
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
		}
	}

	v.SetEnvPrefix("BREWVA")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("runtime.tool_timeout", "30s")

	v.SetDefault("guardrails.context_max_tokens", 128000)
	v.SetDefault("guardrails.warn_ratio", 0.7)
	v.SetDefault("guardrails.hard_ratio", 0.85)

	v.SetDefault("cost_guard.max_cost_usd_per_session", 0)
	v.SetDefault("cost_guard.max_cost_usd_per_skill", 0)
	v.SetDefault("cost_guard.alert_threshold_ratio", 0.8)

	v.SetDefault("skills.access_mode", "warn")

	v.SetDefault("tape.checkpoint_interval_entries", 50)
}

// HomeDir returns the user's brewva configuration home, honoring
// XDG_CONFIG_HOME per spec §6, falling back to ~/.brewva.
func HomeDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, AppName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}
