package tape

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/brewva/brewva/internal/domain/costtracker"
	"github.com/brewva/brewva/internal/domain/entity"
	"github.com/brewva/brewva/internal/domain/ledger"
	"github.com/brewva/brewva/internal/infrastructure/eventstore"
)

func newTestCheckpointer(t *testing.T, interval int) (*Checkpointer, *eventstore.Store, *costtracker.Tracker, *ledger.Ledger) {
	t.Helper()
	log := zap.NewNop()
	dir := t.TempDir()

	events, err := eventstore.New(filepath.Join(dir, "events"), log)
	if err != nil {
		t.Fatal(err)
	}
	led, err := ledger.New(filepath.Join(dir, "ledger", "evidence.jsonl"), log)
	if err != nil {
		t.Fatal(err)
	}
	costs := costtracker.New(costtracker.DefaultConfig(), log)

	c := New(Config{CheckpointIntervalEntries: interval}, events, costs, led, log)
	return c, events, costs, led
}

func TestCheckpointer_SynthesizesCheckpointEveryIntervalEntries(t *testing.T) {
	c, events, costs, _ := newTestCheckpointer(t, 3)
	sessionID := "s1"
	costs.RecordUsage(sessionID, costtracker.Usage{TotalTokens: 42, CostUSD: 0.5}, costtracker.RecordContext{Turn: 1})

	for i := 0; i < 2; i++ {
		c.OnEventAppended(sessionID, 1)
	}
	got, err := events.List(sessionID, eventstore.Filter{Types: []entity.EventType{entity.EventTapeCheckpoint}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no checkpoint before interval elapses, got %d", len(got))
	}

	c.OnEventAppended(sessionID, 1)
	got, err = events.List(sessionID, eventstore.Filter{Types: []entity.EventType{entity.EventTapeCheckpoint}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one checkpoint after interval elapses, got %d", len(got))
	}
}

func TestCheckpointer_CheckpointParticipatesInLedgerHashChain(t *testing.T) {
	c, _, _, led := newTestCheckpointer(t, 1)
	sessionID := "s1"

	c.OnEventAppended(sessionID, 1)

	rows := led.Query(sessionID, ledger.Query{Tool: "tape_checkpoint"})
	if len(rows) != 1 {
		t.Fatalf("expected one tape_checkpoint evidence row, got %d", len(rows))
	}
	if !led.VerifyChain(sessionID) {
		t.Fatal("expected checkpoint row to verify within the hash chain")
	}
}

func TestCheckpointer_AnchorIsPassiveAndDoesNotAffectInterval(t *testing.T) {
	c, events, _, _ := newTestCheckpointer(t, 5)
	sessionID := "s1"

	c.RecordAnchor(sessionID, 1, "phase:planning")

	got, err := events.List(sessionID, eventstore.Filter{Types: []entity.EventType{entity.EventTapeAnchor}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one tape_anchor event, got %d", len(got))
	}

	if c.counters[sessionID] != 0 {
		t.Fatal("expected RecordAnchor not to perturb the checkpoint-interval counter")
	}
}

func TestCheckpointer_ClearSessionResetsCounter(t *testing.T) {
	c, _, _, _ := newTestCheckpointer(t, 5)
	sessionID := "s1"
	c.OnEventAppended(sessionID, 1)
	c.OnEventAppended(sessionID, 1)

	c.ClearSession(sessionID)

	if c.counters[sessionID] != 0 {
		t.Fatal("expected counter cleared")
	}
}
