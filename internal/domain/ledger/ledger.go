// Package ledger implements the evidence hash chain: one append-only row
// per tool invocation, chained by content hash so a broken chain is
// detectable without replaying the whole session from scratch.
//
// Grounded on the content-addressed ID idiom in
// internal/domain/memory/memory.go (generateID: sha256 over canonical
// content) and the per-session JSONL append discipline shared with
// internal/infrastructure/eventstore.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Verdict classifies the outcome an evidence row records.
type Verdict string

const (
	VerdictSuccess Verdict = "success"
	VerdictFailure Verdict = "failure"
	VerdictUnknown Verdict = "unknown"
)

// Row is one evidence row in the hash chain.
type Row struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	Turn          int       `json:"turn"`
	Tool          string    `json:"tool"`
	ArgsSummary   string    `json:"argsSummary"`
	OutputHash    string    `json:"outputHash"`
	OutputSummary string    `json:"outputSummary"`
	Verdict       Verdict   `json:"verdict"`
	Skill         string    `json:"skill,omitempty"`
	File          string    `json:"file,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	PrevHash      string    `json:"prevHash"`
	Hash          string    `json:"hash"`
}

// canonicalize produces a deterministic byte representation of a row's
// content (excluding Hash itself) for chaining.
func canonicalize(r Row) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s|%s|%d",
		r.ID, r.SessionID, r.Turn, r.Tool, r.ArgsSummary, r.OutputHash,
		r.OutputSummary, r.Verdict, r.Skill, r.File, r.CreatedAt.UnixNano())
}

func hashRow(prevHash string, r Row) string {
	sum := sha256.Sum256([]byte(prevHash + "|" + canonicalize(r)))
	return hex.EncodeToString(sum[:])
}

// Query narrows Ledger.Query results.
type Query struct {
	Tool    string
	File    string
	Skill   string
	Verdict Verdict
	LastN   int
}

func (q Query) matches(r Row) bool {
	if q.Tool != "" && r.Tool != q.Tool {
		return false
	}
	if q.File != "" && r.File != q.File {
		return false
	}
	if q.Skill != "" && r.Skill != q.Skill {
		return false
	}
	if q.Verdict != "" && r.Verdict != q.Verdict {
		return false
	}
	return true
}

type sessionChain struct {
	mu       sync.Mutex
	rows     []Row
	lastHash string
	loaded   bool
	broken   bool
}

// Ledger appends evidence rows to ledger/evidence.jsonl and verifies the
// hash chain on load. A broken chain is reported (hydration_warning-style)
// but non-fatal: subsequent appends start a new chain anchored at the last
// valid row.
type Ledger struct {
	path string
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionChain
}

// New creates a Ledger backed by the JSONL file at path (typically
// "<workspace>/ledger/evidence.jsonl").
func New(path string, log *zap.Logger) (*Ledger, error) {
	if err := os.MkdirAll(parentDir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &Ledger{path: path, log: log, sessions: make(map[string]*sessionChain)}, nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// ClearSessionCache drops the in-memory hash-chain pointer for sessionID.
// The next Append or Query reloads and re-verifies the chain from disk.
func (l *Ledger) ClearSessionCache(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

func (l *Ledger) chainFor(sessionID string) *sessionChain {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.sessions[sessionID]
	if !ok {
		c = &sessionChain{}
		l.sessions[sessionID] = c
	}
	return c
}

// loadLocked reads all rows for sessionID from disk and verifies the chain.
// A verification break is logged and is non-fatal: the returned lastHash
// stays at the last row that verified, so subsequent appends start a new
// chain there.
func (l *Ledger) loadLocked(sessionID string) ([]Row, string) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, ""
	}
	defer f.Close()

	var rows []Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Row
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		if r.SessionID == sessionID {
			rows = append(rows, r)
		}
	}

	lastHash := ""
	for i, r := range rows {
		want := hashRow(lastHash, Row{
			ID: r.ID, SessionID: r.SessionID, Turn: r.Turn, Tool: r.Tool,
			ArgsSummary: r.ArgsSummary, OutputHash: r.OutputHash,
			OutputSummary: r.OutputSummary, Verdict: r.Verdict, Skill: r.Skill,
			File: r.File, CreatedAt: r.CreatedAt,
		})
		if want != r.Hash {
			l.log.Warn("ledger hash chain broken, restarting chain at last valid row",
				zap.String("session", sessionID), zap.Int("atRow", i))
			continue
		}
		lastHash = r.Hash
	}
	return rows, lastHash
}

// Append writes a new evidence row, chaining it to the session's current
// tail hash. Rows for a session are strictly ordered.
func (l *Ledger) Append(r Row) (Row, error) {
	c := l.chainFor(r.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		rows, lastHash := l.loadLocked(r.SessionID)
		c.rows = rows
		c.lastHash = lastHash
		c.loaded = true
	}

	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.PrevHash = c.lastHash
	r.Hash = hashRow(c.lastHash, r)

	data, err := json.Marshal(r)
	if err != nil {
		return Row{}, fmt.Errorf("marshal evidence row: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Row{}, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if _, err := w.Write(append(data, '\n')); err != nil {
		return Row{}, fmt.Errorf("write evidence row: %w", err)
	}
	if err := w.Flush(); err != nil {
		return Row{}, fmt.Errorf("flush ledger: %w", err)
	}

	c.rows = append(c.rows, r)
	c.lastHash = r.Hash
	return r, f.Sync()
}

// Query returns rows for sessionID matching q, most-recent last, trimmed
// to q.LastN if set.
func (l *Ledger) Query(sessionID string, q Query) []Row {
	c := l.chainFor(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		rows, lastHash := l.loadLocked(sessionID)
		c.rows = rows
		c.lastHash = lastHash
		c.loaded = true
	}

	out := make([]Row, 0, len(c.rows))
	for _, r := range c.rows {
		if q.matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.LastN > 0 && len(out) > q.LastN {
		out = out[len(out)-q.LastN:]
	}
	return out
}

// VerifyChain reports whether sessionID's currently-loaded chain verifies
// end to end from hash "" (used by tests / diagnostics — does not mutate
// state).
func (l *Ledger) VerifyChain(sessionID string) bool {
	_, ok := l.verify(sessionID)
	return ok
}

func (l *Ledger) verify(sessionID string) ([]Row, bool) {
	c := l.chainFor(sessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		rows, lastHash := l.loadLocked(sessionID)
		c.rows = rows
		c.lastHash = lastHash
		c.loaded = true
	}
	prev := ""
	for _, r := range c.rows {
		want := hashRow(prev, Row{
			ID: r.ID, SessionID: r.SessionID, Turn: r.Turn, Tool: r.Tool,
			ArgsSummary: r.ArgsSummary, OutputHash: r.OutputHash,
			OutputSummary: r.OutputSummary, Verdict: r.Verdict, Skill: r.Skill,
			File: r.File, CreatedAt: r.CreatedAt,
		})
		if want != r.Hash {
			return c.rows, false
		}
		prev = r.Hash
	}
	return c.rows, true
}
