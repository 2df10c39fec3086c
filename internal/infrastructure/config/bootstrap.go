package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name.
const AppName = "brewva"

// Bootstrap ensures the config home (~/.brewva, or $XDG_CONFIG_HOME/brewva)
// exists with its default directory tree and config file. Called once at
// startup; safe to call repeatedly — only creates what's missing, never
// overwrites an existing config.yaml.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{
		root,
		filepath.Join(root, "skills"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	configPath := filepath.Join(root, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		logger.Debug("config home OK", zap.String("home", root))
		return nil
	}
	if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	logger.Info("bootstrap complete", zap.String("home", root))
	return nil
}

// WorkspaceRoot resolves the on-disk layout root for a session: where
// events/, ledger/, snapshots/, memory/, and skills_index.json live
// (spec §6). Defaults to the current working directory.
func WorkspaceRoot(cwd string) (string, error) {
	if cwd != "" {
		return filepath.Abs(cwd)
	}
	return os.Getwd()
}

const defaultConfigYAML = `# ═══════════════════════════════════════════════════════════════
# brewva configuration — auto-generated on first launch, edit freely
# ═══════════════════════════════════════════════════════════════

log:
  level: info                  # debug | info | warn | error
  format: console               # console | json

agent:
  default_model: ""             # "provider/model" — attribution label only;
                                 # the LLM wire protocol itself is out of scope
  workspace: ""                 # default workspace dir (empty = cwd)

runtime:
  tool_timeout: 30s              # per-tool execution timeout

guardrails:
  context_max_tokens: 128000     # total context window
  warn_ratio: 0.7                # soft compaction-requested threshold
  hard_ratio: 0.85                # hard compaction-gate threshold

cost_guard:
  max_cost_usd_per_session: 0    # 0 = unbounded
  max_cost_usd_per_skill: 0      # 0 = unbounded
  alert_threshold_ratio: 0.8

skills:
  disabled: []                   # skill names to skip during discovery
  access_mode: warn              # off | warn | enforce

tape:
  checkpoint_interval_entries: 50
`
