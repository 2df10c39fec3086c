// Package filetracker implements FileChangeTracker: before/after snapshots
// per mutating tool call, folded into a content-addressed, rollback-safe
// PatchSet history.
//
// Grounded on the "never clobber, write atomically" discipline of
// internal/infrastructure/config.Bootstrap and the content-hash idiom of
// internal/domain/memory.generateID, generalized from a single hash into a
// full content-addressed snapshot store.
package filetracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brewva/brewva/pkg/errors"
)

// defaultMutatingTools are the tool names the policy classifies as mutating
// and therefore worth tracking; New installs this set as-is.
var defaultMutatingTools = map[string]bool{
	"edit":       true,
	"write":      true,
	"write_file": true,
	"multi_edit": true,
	"patch":      true,
	"delete":     true,
	"rm":         true,
}

var pathLikeKey = regexp.MustCompile(`(?i)(path|file)`)

// fileCandidate is one path argument discovered while walking a tool call's
// arguments.
type fileCandidate struct {
	relPath string
	absPath string
}

// pendingCall tracks the before-state captured for one in-flight tool call.
type pendingCall struct {
	toolCallID string
	toolName   string
	before     map[string]Change // relPath -> partial change (BeforeHash/BeforeExists/BeforeSnapshotPath)
	capturedAt time.Time
}

// sessionState holds per-session tracker state.
type sessionState struct {
	mu       sync.Mutex
	pending  map[string]*pendingCall // toolCallID -> pending
	history  History
	loaded   bool
}

// Tracker implements FileChangeTracker.
type Tracker struct {
	workspaceRoot string
	snapshotsRoot string
	log           *zap.Logger
	mutating      map[string]bool

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New creates a Tracker rooted at workspaceRoot, storing snapshots under
// snapshotsRoot (typically "<workspace>/snapshots").
func New(workspaceRoot, snapshotsRoot string, log *zap.Logger) *Tracker {
	return &Tracker{
		workspaceRoot: workspaceRoot,
		snapshotsRoot: snapshotsRoot,
		log:           log,
		mutating:      defaultMutatingTools,
		sessions:      make(map[string]*sessionState),
	}
}

// IsMutating reports whether toolName is tracked for file changes.
func (t *Tracker) IsMutating(toolName string) bool {
	return t.mutating[toolName]
}

// ClearSessionCache drops the in-memory session state (pending captures
// and the loaded history cache). Persisted patchset history on disk is
// untouched; the next access reloads it from historyPath.
func (t *Tracker) ClearSessionCache(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

func (t *Tracker) stateFor(sessionID string) *sessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &sessionState{pending: make(map[string]*pendingCall)}
		t.sessions[sessionID] = s
	}
	return s
}

func (t *Tracker) historyPath(sessionID string) string {
	return filepath.Join(t.snapshotsRoot, sessionID, "patchsets.json")
}

func (t *Tracker) snapshotDir(sessionID string) string {
	return filepath.Join(t.snapshotsRoot, sessionID)
}

func (t *Tracker) loadHistoryLocked(s *sessionState, sessionID string) {
	if s.loaded {
		return
	}
	s.loaded = true
	data, err := os.ReadFile(t.historyPath(sessionID))
	if err != nil {
		s.history = History{Version: 1, SessionID: sessionID}
		return
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		t.log.Warn("corrupt patchset history, starting fresh", zap.String("session", sessionID), zap.Error(err))
		s.history = History{Version: 1, SessionID: sessionID}
		return
	}
	s.history = h
}

// persistHistoryLocked atomically rewrites the whole per-session JSON file
// (write temp, rename) so a crash mid-write never corrupts the history.
func (t *Tracker) persistHistoryLocked(s *sessionState, sessionID string) error {
	s.history.UpdatedAt = time.Now()
	s.history.SessionID = sessionID
	s.history.Version = 1

	dir := t.snapshotDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(s.history, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal patchset history: %w", err)
	}
	tmp := t.historyPath(sessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write patchset history tmp: %w", err)
	}
	return os.Rename(tmp, t.historyPath(sessionID))
}

// resolveCandidate resolves a raw path value against cwd and rejects it
// unless it lands strictly inside the workspace.
func (t *Tracker) resolveCandidate(cwd, raw string) (fileCandidate, bool) {
	if raw == "" {
		return fileCandidate{}, false
	}
	var abs string
	if filepath.IsAbs(raw) {
		abs = filepath.Clean(raw)
	} else {
		abs = filepath.Clean(filepath.Join(cwd, raw))
	}
	root := filepath.Clean(t.workspaceRoot)
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return fileCandidate{}, false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fileCandidate{}, false
	}
	return fileCandidate{relPath: rel, absPath: abs}, true
}

// collectCandidates walks args recursively, gathering every string value
// found under a key matching /path|file/i.
func (t *Tracker) collectCandidates(cwd string, args map[string]any) []fileCandidate {
	var out []fileCandidate
	var walk func(key string, v any)
	walk = func(key string, v any) {
		switch val := v.(type) {
		case string:
			if pathLikeKey.MatchString(key) {
				if c, ok := t.resolveCandidate(cwd, val); ok {
					out = append(out, c)
				}
			}
		case map[string]any:
			for k, vv := range val {
				walk(k, vv)
			}
		case []any:
			for i, vv := range val {
				walk(key+"["+strconv.Itoa(i)+"]", vv)
			}
		}
	}
	for k, v := range args {
		walk(k, v)
	}
	return out
}

// CaptureBeforeToolCall snapshots every tracked file reachable from args
// before toolName executes. Missing files are recorded as BeforeExists=false.
func (t *Tracker) CaptureBeforeToolCall(sessionID, toolCallID, toolName, cwd string, args map[string]any) {
	s := t.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := t.collectCandidates(cwd, args)
	before := make(map[string]Change, len(candidates))
	store := newSnapshotStore(t.snapshotDir(sessionID))

	for _, c := range candidates {
		ch := Change{Path: c.relPath}
		data, err := os.ReadFile(c.absPath)
		if err != nil {
			ch.BeforeExists = false
		} else {
			ch.BeforeExists = true
			digest, path, saveErr := store.Save(data)
			if saveErr != nil {
				t.log.Warn("snapshot save failed", zap.String("path", c.relPath), zap.Error(saveErr))
				continue
			}
			ch.BeforeHash = digest
			ch.BeforeSnapshotPath = path
		}
		before[c.relPath] = ch
	}

	s.pending[toolCallID] = &pendingCall{
		toolCallID: toolCallID,
		toolName:   toolName,
		before:     before,
		capturedAt: time.Now(),
	}
}

// CompleteToolCall computes the after-state for a tracked tool call and, if
// success and at least one file changed, emits and persists a PatchSet.
// Returns (patchSet, true) if one was created.
func (t *Tracker) CompleteToolCall(sessionID, toolCallID string, success bool, summary string) (PatchSet, bool, error) {
	s := t.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	pc, ok := s.pending[toolCallID]
	if !ok {
		return PatchSet{}, false, nil
	}
	delete(s.pending, toolCallID)

	if !success {
		return PatchSet{}, false, nil
	}

	store := newSnapshotStore(t.snapshotDir(sessionID))
	changes := make([]Change, 0, len(pc.before))
	anyChanged := false

	relPaths := make([]string, 0, len(pc.before))
	for rel := range pc.before {
		relPaths = append(relPaths, rel)
	}
	sort.Strings(relPaths)

	for _, rel := range relPaths {
		before := pc.before[rel]
		abs := filepath.Join(t.workspaceRoot, rel)
		data, err := os.ReadFile(abs)
		afterExists := err == nil

		ch := before
		switch {
		case !before.BeforeExists && afterExists:
			ch.Action = ActionAdd
			anyChanged = true
		case before.BeforeExists && !afterExists:
			ch.Action = ActionDelete
			anyChanged = true
		case before.BeforeExists && afterExists:
			digest, _, saveErr := store.Save(data)
			if saveErr != nil {
				t.log.Warn("after-snapshot save failed", zap.String("path", rel), zap.Error(saveErr))
				continue
			}
			if digest != before.BeforeHash {
				ch.Action = ActionModify
				ch.AfterHash = digest
				anyChanged = true
			} else {
				ch.Action = ActionUnchanged
			}
		default:
			ch.Action = ActionUnchanged
		}
		if afterExists && ch.Action != ActionUnchanged {
			if ch.AfterHash == "" {
				digest, _, _ := store.Save(data)
				ch.AfterHash = digest
			}
		}
		changes = append(changes, ch)
	}

	if !anyChanged {
		return PatchSet{}, false, nil
	}

	t.loadHistoryLocked(s, sessionID)

	ps := PatchSet{
		ID:         fmt.Sprintf("ps-%s-%d", toolCallID, time.Now().UnixNano()),
		SessionID:  sessionID,
		ToolCallID: toolCallID,
		ToolName:   pc.toolName,
		CreatedAt:  time.Now(),
		AppliedAt:  time.Now(),
		Summary:    summary,
		Changes:    changes,
	}

	s.history.PatchSets = append(s.history.PatchSets, ps)
	if len(s.history.PatchSets) > MaxHistory {
		s.history.PatchSets = s.history.PatchSets[len(s.history.PatchSets)-MaxHistory:]
	}
	if err := t.persistHistoryLocked(s, sessionID); err != nil {
		return ps, true, errors.NewPersistenceError("persist patchset history", err)
	}
	return ps, true, nil
}

// RollbackResult is the outcome of RollbackLast.
type RollbackResult struct {
	OK          bool
	FailedPaths []string
	PatchSetID  string
}

// RollbackLast pops the most recent PatchSet (LIFO) and restores each
// change in reverse order. If any snapshot needed for restore is missing,
// the whole rollback fails and the history entry is retained so the
// caller may retry.
func (t *Tracker) RollbackLast(sessionID string) (RollbackResult, error) {
	s := t.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	t.loadHistoryLocked(s, sessionID)
	n := len(s.history.PatchSets)
	if n == 0 {
		return RollbackResult{OK: false}, errors.NewRollbackError("no patch sets to roll back", nil)
	}
	ps := s.history.PatchSets[n-1]
	store := newSnapshotStore(t.snapshotDir(sessionID))

	// Verify every required snapshot exists before mutating anything.
	var missing []string
	for _, ch := range ps.Changes {
		if ch.Action == ActionModify || ch.Action == ActionDelete {
			if ch.BeforeHash == "" || !store.Exists(ch.BeforeHash) {
				missing = append(missing, ch.Path)
			}
		}
	}
	if len(missing) > 0 {
		return RollbackResult{OK: false, FailedPaths: missing, PatchSetID: ps.ID},
			errors.NewRollbackError("restore_failed: missing snapshot(s)", nil)
	}

	var failed []string
	for i := len(ps.Changes) - 1; i >= 0; i-- {
		ch := ps.Changes[i]
		abs := filepath.Join(t.workspaceRoot, ch.Path)
		switch ch.Action {
		case ActionAdd:
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				failed = append(failed, ch.Path)
			}
		case ActionModify, ActionDelete:
			data, err := store.Load(ch.BeforeHash)
			if err != nil {
				failed = append(failed, ch.Path)
				continue
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				failed = append(failed, ch.Path)
				continue
			}
			if err := os.WriteFile(abs, data, 0o644); err != nil {
				failed = append(failed, ch.Path)
			}
		}
	}

	if len(failed) > 0 {
		return RollbackResult{OK: false, FailedPaths: failed, PatchSetID: ps.ID},
			errors.NewRollbackError("restore_failed", nil)
	}

	s.history.PatchSets = s.history.PatchSets[:n-1]
	if err := t.persistHistoryLocked(s, sessionID); err != nil {
		return RollbackResult{OK: true, PatchSetID: ps.ID}, errors.NewPersistenceError("persist after rollback", err)
	}
	return RollbackResult{OK: true, PatchSetID: ps.ID}, nil
}

// History returns a copy of the current PatchSet history for sessionID.
func (t *Tracker) History(sessionID string) []PatchSet {
	s := t.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	t.loadHistoryLocked(s, sessionID)
	out := make([]PatchSet, len(s.history.PatchSets))
	copy(out, s.history.PatchSets)
	return out
}

// ImportSessionHistory copies distinct patch sets (and the snapshots they
// reference) from one session to another, preserving AppliedAt order, then
// trims the destination to MaxHistory.
func (t *Tracker) ImportSessionHistory(from, to string) error {
	fromState := t.stateFor(from)
	fromState.mu.Lock()
	t.loadHistoryLocked(fromState, from)
	src := make([]PatchSet, len(fromState.history.PatchSets))
	copy(src, fromState.history.PatchSets)
	fromState.mu.Unlock()

	toState := t.stateFor(to)
	toState.mu.Lock()
	defer toState.mu.Unlock()
	t.loadHistoryLocked(toState, to)

	seen := make(map[string]bool, len(toState.history.PatchSets))
	for _, ps := range toState.history.PatchSets {
		seen[ps.ID] = true
	}

	srcStore := newSnapshotStore(t.snapshotDir(from))
	dstStore := newSnapshotStore(t.snapshotDir(to))

	merged := append([]PatchSet{}, toState.history.PatchSets...)
	for _, ps := range src {
		if seen[ps.ID] {
			continue
		}
		for _, ch := range ps.Changes {
			for _, digest := range []string{ch.BeforeHash, ch.AfterHash} {
				if digest == "" || dstStore.Exists(digest) {
					continue
				}
				data, err := srcStore.Load(digest)
				if err != nil {
					continue
				}
				if _, _, err := dstStore.Save(data); err != nil {
					t.log.Warn("import snapshot copy failed", zap.String("digest", digest), zap.Error(err))
				}
			}
		}
		merged = append(merged, ps)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].AppliedAt.Before(merged[j].AppliedAt) })
	if len(merged) > MaxHistory {
		merged = merged[len(merged)-MaxHistory:]
	}
	toState.history.PatchSets = merged
	return t.persistHistoryLocked(toState, to)
}
