package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/brewva/brewva/internal/domain/costtracker"
	ctxdomain "github.com/brewva/brewva/internal/domain/context"
	"github.com/brewva/brewva/internal/domain/skill"
	"github.com/brewva/brewva/internal/domain/truth"
	"github.com/brewva/brewva/internal/infrastructure/eventstore"
	"github.com/brewva/brewva/internal/infrastructure/filetracker"
)

type fakeTool struct {
	name    string
	result  *Result
	err     error
}

func (f *fakeTool) Name() string                   { return f.name }
func (f *fakeTool) Description() string             { return "fake" }
func (f *fakeTool) Kind() Kind                      { return KindExecute }
func (f *fakeTool) Schema() map[string]any          { return nil }
func (f *fakeTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	return f.result, f.err
}

func newTestPipeline(t *testing.T) (*Pipeline, *InMemoryRegistry) {
	t.Helper()
	log := zap.NewNop()
	dir := t.TempDir()

	registry := NewInMemoryRegistry()
	events, err := eventstore.New(filepath.Join(dir, "events"), log)
	if err != nil {
		t.Fatal(err)
	}
	files := filetracker.New(dir, filepath.Join(dir, "snapshots"), log)
	arena := ctxdomain.NewArena(ctxdomain.DefaultArenaConfig(), nil)
	budget := ctxdomain.NewBudget(ctxdomain.DefaultBudgetConfig(), log)
	costs := costtracker.New(costtracker.DefaultConfig(), log)
	truthSync := truth.NewSync()

	p := NewPipeline(log, registry, nil, budget, costs, files, truthSync, arena, events, nil, nil)
	return p, registry
}

func TestPipeline_SuccessfulCallRecordsEvent(t *testing.T) {
	p, reg := newTestPipeline(t)
	reg.Register(&fakeTool{name: "read", result: &Result{Success: true, Output: "ok"}})

	out := p.Run(context.Background(), Invocation{
		SessionID: "s1", ToolCallID: "c1", ToolName: "read", Turn: 1,
	})
	if out.Blocked {
		t.Fatalf("expected call to pass admission, got blocked: %s", out.Message)
	}
	if out.Result == nil || !out.Result.Success {
		t.Fatalf("expected successful result, got %+v", out.Result)
	}
}

func TestPipeline_SkillDeniedToolBlocked(t *testing.T) {
	p, reg := newTestPipeline(t)
	reg.Register(&fakeTool{name: "bash", result: &Result{Success: true}})

	dir := t.TempDir()
	os.MkdirAll(dir, 0o755)
	os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(`---
name: testing
tools:
  denied: [bash]
---
body
`), 0o644)
	skills := skill.New(skill.Roots{Base: dir}, nil, zap.NewNop())
	if err := skills.Refresh(); err != nil {
		t.Fatal(err)
	}
	p.skills = skills

	out := p.Run(context.Background(), Invocation{
		SessionID: "s1", ToolCallID: "c1", ToolName: "bash", SkillName: "testing",
		Turn: 1, AccessMode: skill.ModeEnforce,
	})
	if !out.Blocked || out.BlockReason != BlockSkillDenied {
		t.Fatalf("expected blocked with reason skill_denied, got %+v", out)
	}
}

// S5 end-to-end through the pipeline: a failing bash call raises a truth
// fact and a tool_failures zone injection; a subsequent success resolves it.
func TestPipeline_BashFailureSyncsTruthAndInjectsArenaEntry(t *testing.T) {
	p, reg := newTestPipeline(t)
	reg.Register(&fakeTool{name: "bash", result: &Result{
		Success: false, Output: "FAIL src/foo.test.ts", Metadata: map[string]any{"exitCode": 1},
	}})

	p.Run(context.Background(), Invocation{
		SessionID: "s1", ToolCallID: "c1", ToolName: "bash", Turn: 1,
		Args: map[string]any{"command": "npm test"},
	})

	active := p.truth.Facts.Active("s1")
	if len(active) != 1 {
		t.Fatalf("expected one active truth fact, got %d", len(active))
	}

	plan := p.arena.Plan(10000, ctxdomain.PlanOptions{})
	found := false
	for _, e := range plan.Accepted {
		if e.Zone == ctxdomain.ZoneToolFailures {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the truth fact to be injected into the tool_failures zone")
	}

	reg.Unregister("bash")
	reg.Register(&fakeTool{name: "bash", result: &Result{Success: true, Output: "ok", Metadata: map[string]any{"exitCode": 0}}})
	p.Run(context.Background(), Invocation{
		SessionID: "s1", ToolCallID: "c2", ToolName: "bash", Turn: 2,
		Args: map[string]any{"command": "npm test"},
	})
	if len(p.truth.Facts.Active("s1")) != 0 {
		t.Fatal("expected the fact to resolve after a successful rerun")
	}
}

func TestPipeline_CostBudgetExceededBlocks(t *testing.T) {
	p, reg := newTestPipeline(t)
	reg.Register(&fakeTool{name: "read", result: &Result{Success: true}})

	p.costs = costtracker.New(costtracker.Config{MaxCostUSDPerSession: 1.0}, zap.NewNop())
	p.costs.RecordUsage("s1", costtracker.Usage{TotalTokens: 10, CostUSD: 2.0}, costtracker.RecordContext{Turn: 1})

	out := p.Run(context.Background(), Invocation{SessionID: "s1", ToolCallID: "c1", ToolName: "read", Turn: 1})
	if !out.Blocked || out.BlockReason != BlockCostBudget {
		t.Fatalf("expected blocked with reason cost_budget_exceeded, got %+v", out)
	}
}
