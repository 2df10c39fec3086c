package truth

import "testing"

// S5 — Truth from command failure.
func TestSync_CommandFailureRaisesFactAndBlocker_ThenResolves(t *testing.T) {
	s := NewSync()
	sessionID := "s1"
	s.Tasks.UpsertItem(sessionID, Item{ID: "t1", Text: "make tests pass", Status: ItemDoing})

	s.RecordCommandResult(sessionID, "npm test", false, 1, "FAIL src/foo.test.ts\n1 failing", "ev1", "t1")

	active := s.Facts.Active(sessionID)
	if len(active) != 1 {
		t.Fatalf("expected one active fact, got %d", len(active))
	}
	if active[0].Kind != KindCommandFailure || active[0].Status != FactActive {
		t.Fatalf("unexpected fact: %+v", active[0])
	}

	state := s.Tasks.Get(sessionID)
	if len(state.Blockers) != 1 || state.Blockers[0].TruthFactID != active[0].ID {
		t.Fatalf("expected one blocker linked to the active fact, got %+v", state.Blockers)
	}
	if state.Items[0].Status != ItemBlocked {
		t.Fatalf("expected item blocked, got %s", state.Items[0].Status)
	}

	s.RecordCommandResult(sessionID, "npm test", true, 0, "", "ev2", "t1")

	if len(s.Facts.Active(sessionID)) != 0 {
		t.Fatal("expected fact to resolve after successful rerun")
	}
	state = s.Tasks.Get(sessionID)
	if len(state.Blockers) != 0 {
		t.Fatalf("expected blocker cleared after resolve, got %+v", state.Blockers)
	}
	if state.Items[0].Status != ItemDoing {
		t.Fatalf("expected item unblocked to doing, got %s", state.Items[0].Status)
	}
}

// Invariant: TruthFact.status only transitions active -> resolved; a
// resolved fact is never re-emitted as active again within the session.
func TestStore_ResolvedFactStaysResolvedOnSubsequentFailureOfDifferentCommand(t *testing.T) {
	store := NewStore()
	sessionID := "s1"

	f, _ := DeriveCommandFailure(sessionID, "npm test", false, 1, "FAIL a.test.ts", "ev1")
	f = store.Upsert(f)
	resolved, ok := store.Resolve(sessionID, KindCommandFailure, "npm test", "ev2")
	if !ok || resolved.Status != FactResolved {
		t.Fatalf("expected resolve to succeed, got %+v ok=%v", resolved, ok)
	}

	// A second failure for a *different* command creates a distinct fact;
	// the resolved one must not flip back to active.
	g, _ := DeriveCommandFailure(sessionID, "npm run lint", false, 1, "FAIL lint", "ev3")
	store.Upsert(g)

	active := store.Active(sessionID)
	if len(active) != 1 || active[0].Subject != "npm run lint" {
		t.Fatalf("expected only the lint fact active, got %+v", active)
	}
	if f.ID == active[0].ID {
		t.Fatal("resolved fact must not be the one reported active")
	}
}

func TestDeriveCommandFailure_SuccessYieldsNoFact(t *testing.T) {
	if _, ok := DeriveCommandFailure("s1", "npm test", true, 0, "ok", "ev1"); ok {
		t.Fatal("expected no fact derived from a successful command")
	}
}

func TestDeriveCommandFailure_MatchesTestFailurePattern(t *testing.T) {
	f, ok := DeriveCommandFailure("s1", "npm test", false, 1, "running...\nFAIL src/foo.test.ts\n  expect failed\n", "ev1")
	if !ok {
		t.Fatal("expected a fact to be derived")
	}
	if f.Summary != "FAIL src/foo.test.ts" {
		t.Fatalf("expected summary to extract the FAIL line, got %q", f.Summary)
	}
}

func TestLedger_ClearSessionResetsState(t *testing.T) {
	l := NewLedger()
	l.UpsertItem("s1", Item{ID: "t1", Text: "x", Status: ItemTodo})
	l.ClearSession("s1")
	state := l.Get("s1")
	if len(state.Items) != 0 {
		t.Fatalf("expected empty state after clear, got %+v", state)
	}
}
