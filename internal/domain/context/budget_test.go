package context

import (
	"testing"

	"go.uber.org/zap"
)

// S3 — Compaction gate: at pressure critical, a non-lifecycle tool is
// blocked; after markCompacted, it is allowed again.
func TestBudget_CompactionGateBlocksThenAllows(t *testing.T) {
	b := NewBudget(DefaultBudgetConfig(), zap.NewNop())
	sessionID := "s1"

	level := b.ObserveUsage(sessionID, Usage{Tokens: 95, ContextWindow: 100})
	if level != PressureCritical {
		t.Fatalf("expected critical pressure, got %s", level)
	}

	res := b.CheckToolGate(sessionID, "exec", nil)
	if res.Allowed {
		t.Fatal("expected exec to be blocked at critical pressure")
	}
	if res.Reason == "" {
		t.Fatal("expected a structured reason")
	}

	b.MarkCompacted(sessionID, 95, 40)
	res = b.CheckToolGate(sessionID, "exec", nil)
	if !res.Allowed {
		t.Fatalf("expected exec to be allowed after markCompacted, got reason %q", res.Reason)
	}
}

func TestBudget_AlwaysAllowedToolsBypassCriticalGate(t *testing.T) {
	b := NewBudget(DefaultBudgetConfig(), zap.NewNop())
	b.ObserveUsage("s1", Usage{Tokens: 95, ContextWindow: 100})

	always := map[string]bool{"ledger_query": true}
	if res := b.CheckToolGate("s1", "ledger_query", always); !res.Allowed {
		t.Fatal("expected always-allowed tool to bypass the critical gate")
	}
	if res := b.CheckToolGate("s1", "session_compact", always); !res.Allowed {
		t.Fatal("expected session_compact to always be allowed")
	}
}

// Boundary: exactly at hardLimitPercent, pressure is critical.
func TestBudget_ExactlyAtHardLimitIsCritical(t *testing.T) {
	b := NewBudget(DefaultBudgetConfig(), zap.NewNop())
	level := b.ObserveUsage("s1", Usage{Percent: DefaultBudgetConfig().HardLimitPercent})
	if level != PressureCritical {
		t.Fatalf("expected critical at exactly hardLimitPercent, got %s", level)
	}
}

func TestBudget_GateStatusRequiredAtHighPressure(t *testing.T) {
	b := NewBudget(DefaultBudgetConfig(), zap.NewNop())
	b.ObserveUsage("s1", Usage{Percent: 0.75})

	status := b.GetCompactionGateStatus("s1")
	if !status.Required {
		t.Fatal("expected compaction required at high pressure")
	}
	if status.Pressure != PressureHigh {
		t.Fatalf("expected high pressure, got %s", status.Pressure)
	}
}

func TestBudget_ClearSessionResetsState(t *testing.T) {
	b := NewBudget(DefaultBudgetConfig(), zap.NewNop())
	b.ObserveUsage("s1", Usage{Percent: 0.95})
	b.ClearSession("s1")

	level := b.ObserveUsage("s1", Usage{Percent: 0.1})
	if level != PressureLow {
		t.Fatalf("expected fresh low-pressure state after clear, got %s", level)
	}
}
