package skill

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeSkillFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const baseSkillMD = `---
name: testing
tags: [qa]
tools:
  required: [read]
  optional: [grep, bash]
budget:
  max_tool_calls: 50
  max_tokens: 100000
max_parallel: 4
stability: stable
---
Run tests and report results.
`

const projectOverrideMD = `---
name: testing
tools:
  denied: [bash]
budget:
  max_tool_calls: 10
---
Project-specific tightened testing skill.
`

func TestRegistry_TierPrecedence(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "base")
	project := filepath.Join(root, "project")
	writeSkillFile(t, base, "SKILL.md", baseSkillMD)
	writeSkillFile(t, project, "SKILL.md", projectOverrideMD)

	reg := New(Roots{Base: base, Project: project}, nil, zap.NewNop())
	if err := reg.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	c, ok := reg.Get("testing")
	if !ok {
		t.Fatal("expected testing skill to be loaded")
	}
	if c.Budget.MaxToolCalls != 10 {
		t.Fatalf("expected project override to tighten max_tool_calls to 10, got %d", c.Budget.MaxToolCalls)
	}
	if !contains(c.Tools.Denied, "bash") {
		t.Fatalf("expected bash denied by project override, got %v", c.Tools.Denied)
	}
	if contains(c.Tools.Optional, "bash") {
		t.Fatalf("bash must not remain optional once denied, got %v", c.Tools.Optional)
	}
}

func TestRegistry_DisabledSkillsRemoved(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "base")
	writeSkillFile(t, base, "SKILL.md", baseSkillMD)

	reg := New(Roots{Base: base}, []string{"testing"}, zap.NewNop())
	if err := reg.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, ok := reg.Get("testing"); ok {
		t.Fatal("expected disabled skill to be absent")
	}
}

func TestRegistry_CheckAccessEnforceMode(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "base")
	writeSkillFile(t, base, "SKILL.md", baseSkillMD)

	reg := New(Roots{Base: base}, nil, zap.NewNop())
	if err := reg.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if res := reg.CheckAccess("testing", "write", ModeEnforce); res.Allowed {
		t.Fatal("expected write to be blocked under enforce (not in allow-list)")
	}
	if res := reg.CheckAccess("testing", "read", ModeEnforce); !res.Allowed {
		t.Fatal("expected read to be allowed (required)")
	}
	if res := reg.CheckAccess("testing", "write", ModeWarn); !res.Allowed || !res.Warn {
		t.Fatal("expected write to be allowed-with-warning under warn mode")
	}
}
