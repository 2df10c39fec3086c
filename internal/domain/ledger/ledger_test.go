package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	l, err := New(filepath.Join(dir, "evidence.jsonl"), zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestLedger_AppendChainsHashes(t *testing.T) {
	l := newTestLedger(t)

	r1, err := l.Append(Row{ID: "e1", SessionID: "s1", Tool: "bash", Verdict: VerdictSuccess})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if r1.PrevHash != "" {
		t.Fatalf("expected empty prevHash for first row, got %q", r1.PrevHash)
	}

	r2, err := l.Append(Row{ID: "e2", SessionID: "s1", Tool: "edit", Verdict: VerdictSuccess})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if r2.PrevHash != r1.Hash {
		t.Fatalf("expected r2.PrevHash == r1.Hash, got %q vs %q", r2.PrevHash, r1.Hash)
	}

	if !l.VerifyChain("s1") {
		t.Fatal("expected chain to verify")
	}
}

func TestLedger_QueryFilters(t *testing.T) {
	l := newTestLedger(t)
	_, _ = l.Append(Row{ID: "e1", SessionID: "s1", Tool: "bash", Verdict: VerdictFailure, CreatedAt: time.Now()})
	_, _ = l.Append(Row{ID: "e2", SessionID: "s1", Tool: "edit", Verdict: VerdictSuccess, CreatedAt: time.Now()})

	rows := l.Query("s1", Query{Verdict: VerdictFailure})
	if len(rows) != 1 || rows[0].ID != "e1" {
		t.Fatalf("expected only e1, got %v", rows)
	}

	rows = l.Query("s1", Query{Tool: "edit"})
	if len(rows) != 1 || rows[0].ID != "e2" {
		t.Fatalf("expected only e2, got %v", rows)
	}
}

func TestLedger_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evidence.jsonl")
	log := zap.NewNop()

	l1, err := New(path, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := l1.Append(Row{ID: "e1", SessionID: "s1", Tool: "bash"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	l2, err := New(path, log)
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	r2, err := l2.Append(Row{ID: "e2", SessionID: "s1", Tool: "edit"})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if r2.PrevHash == "" {
		t.Fatal("expected chain to continue from prior row after reopen")
	}
	if !l2.VerifyChain("s1") {
		t.Fatal("expected chain to verify after reopen")
	}
}
