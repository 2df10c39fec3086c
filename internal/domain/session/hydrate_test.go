package session

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/brewva/brewva/internal/domain/costtracker"
	"github.com/brewva/brewva/internal/domain/entity"
	"github.com/brewva/brewva/internal/domain/truth"
	"github.com/brewva/brewva/internal/infrastructure/eventstore"
)

func intPtr(i int) *int { return &i }

func newTestManager(t *testing.T) (*Manager, *eventstore.Store, *costtracker.Tracker) {
	t.Helper()
	log := zap.NewNop()
	dir := t.TempDir()

	events, err := eventstore.New(filepath.Join(dir, "events"), log)
	if err != nil {
		t.Fatal(err)
	}
	costs := costtracker.New(costtracker.DefaultConfig(), log)
	truthSync := truth.NewSync()

	m := NewManager(Deps{Events: events, Costs: costs, Truth: truthSync}, log)
	return m, events, costs
}

func TestHydrate_RestoresCostFromCheckpointAndReplaysAfter(t *testing.T) {
	m, events, costs := newTestManager(t)
	sessionID := "s1"

	checkpointSnap := costtracker.Snapshot{SessionTotal: costtracker.Totals{TotalTokens: 100, CostUSD: 1.5}}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}

	must(events.Append(entity.Event{ID: "e1", SessionID: sessionID, Type: entity.EventTurnStart, Turn: intPtr(1)}))
	must(events.Append(entity.Event{
		ID: "e2", SessionID: sessionID, Type: entity.EventTapeCheckpoint, Turn: intPtr(1),
		Payload: map[string]any{"cost": checkpointSnap},
	}))
	must(events.Append(entity.Event{
		ID: "e3", SessionID: sessionID, Type: entity.EventToolCallMarked, Turn: intPtr(2),
		Payload: map[string]any{"tool": "read"},
	}))

	m.Hydrate(sessionID)

	snap := costs.Snapshot(sessionID)
	if snap.SessionTotal.TotalTokens != checkpointSnap.SessionTotal.TotalTokens {
		t.Fatalf("expected restored cost to carry forward from checkpoint, got %+v", snap.SessionTotal)
	}

	if !m.isHydrated(sessionID) {
		t.Fatal("expected session marked hydrated")
	}
}

func TestHydrate_FoldsTruthFactFromEventLog(t *testing.T) {
	m, events, _ := newTestManager(t)
	sessionID := "s2"

	fact := truth.Fact{
		Kind: truth.KindCommandFailure, Severity: truth.SeverityError, Status: truth.FactActive,
		Summary: "FAIL src/foo.test.ts", Subject: "npm test",
	}

	if err := events.Append(entity.Event{
		ID: "e1", SessionID: sessionID, Type: entity.EventTruthEvent, Turn: intPtr(1),
		Payload: map[string]any{"fact": fact},
	}); err != nil {
		t.Fatal(err)
	}

	m.Hydrate(sessionID)

	active := m.truth.Facts.Active(sessionID)
	if len(active) != 1 {
		t.Fatalf("expected one folded active fact, got %d", len(active))
	}
	if active[0].Summary != fact.Summary {
		t.Fatalf("unexpected folded fact: %+v", active[0])
	}
}

func TestHydrate_IsIdempotentPerSession(t *testing.T) {
	m, events, _ := newTestManager(t)
	sessionID := "s3"
	if err := events.Append(entity.Event{ID: "e1", SessionID: sessionID, Type: entity.EventTurnStart, Turn: intPtr(1)}); err != nil {
		t.Fatal(err)
	}

	first := m.Hydrate(sessionID)
	if first == nil {
		t.Fatal("expected folded state on first hydrate")
	}
	second := m.Hydrate(sessionID)
	if second != nil {
		t.Fatal("expected nil on second hydrate call, already hydrated")
	}
}
