package filetracker

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	root := t.TempDir()
	snapRoot := filepath.Join(t.TempDir(), "snapshots")
	return New(root, snapRoot, zap.NewNop()), root
}

func TestTracker_RollbackAdd(t *testing.T) {
	tr, root := newTestTracker(t)
	sessionID := "s1"

	args := map[string]any{"path": "src/new.ts"}
	tr.CaptureBeforeToolCall(sessionID, "tc1", "write", root, args)

	target := filepath.Join(root, "src", "new.ts")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	ps, created, err := tr.CompleteToolCall(sessionID, "tc1", true, "write new file")
	if err != nil {
		t.Fatalf("CompleteToolCall: %v", err)
	}
	if !created {
		t.Fatal("expected a patch set to be created")
	}
	if ps.Changes[0].Action != ActionAdd {
		t.Fatalf("expected add action, got %s", ps.Changes[0].Action)
	}

	res, err := tr.RollbackLast(sessionID)
	if err != nil {
		t.Fatalf("RollbackLast: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected rollback ok, failed paths: %v", res.FailedPaths)
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Fatal("expected file to be removed after rollback")
	}
}

func TestTracker_RollbackModify(t *testing.T) {
	tr, root := newTestTracker(t)
	sessionID := "s1"

	target := filepath.Join(root, "a.txt")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	args := map[string]any{"file_path": "a.txt"}
	tr.CaptureBeforeToolCall(sessionID, "tc1", "edit", root, args)

	if err := os.WriteFile(target, []byte("modified"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, created, err := tr.CompleteToolCall(sessionID, "tc1", true, "edit file")
	if err != nil {
		t.Fatalf("CompleteToolCall: %v", err)
	}
	if !created {
		t.Fatal("expected patch set")
	}

	res, err := tr.RollbackLast(sessionID)
	if err != nil {
		t.Fatalf("RollbackLast: %v", err)
	}
	if !res.OK {
		t.Fatalf("rollback failed: %v", res.FailedPaths)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original" {
		t.Fatalf("expected restored content 'original', got %q", data)
	}
}

func TestTracker_RejectsPathOutsideWorkspace(t *testing.T) {
	tr, root := newTestTracker(t)
	args := map[string]any{"path": "../../etc/passwd"}
	tr.CaptureBeforeToolCall("s1", "tc1", "write", root, args)

	s := tr.stateFor("s1")
	s.mu.Lock()
	pc := s.pending["tc1"]
	s.mu.Unlock()
	if pc == nil {
		t.Fatal("expected pending call to be recorded")
	}
	if len(pc.before) != 0 {
		t.Fatalf("expected no candidates captured for path escaping workspace, got %v", pc.before)
	}
}

func TestTracker_RollbackFailsWhenSnapshotMissing(t *testing.T) {
	tr, root := newTestTracker(t)
	sessionID := "s1"

	target := filepath.Join(root, "a.txt")
	if err := os.WriteFile(target, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	tr.CaptureBeforeToolCall(sessionID, "tc1", "edit", root, map[string]any{"path": "a.txt"})
	if err := os.WriteFile(target, []byte("modified"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := tr.CompleteToolCall(sessionID, "tc1", true, "edit"); err != nil {
		t.Fatal(err)
	}

	// Corrupt the history by deleting the snapshot directory's .snap files.
	entries, _ := os.ReadDir(tr.snapshotDir(sessionID))
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".snap" {
			os.Remove(filepath.Join(tr.snapshotDir(sessionID), e.Name()))
		}
	}

	res, err := tr.RollbackLast(sessionID)
	if err == nil || res.OK {
		t.Fatal("expected rollback to fail when snapshot is missing")
	}
	if len(res.FailedPaths) == 0 {
		t.Fatal("expected failed paths to be reported")
	}

	// History entry must be retained for retry.
	if len(tr.History(sessionID)) != 1 {
		t.Fatal("expected history entry to be retained after failed rollback")
	}
}
