// Package memory holds per-session working memory: units (atomic notes),
// crystals (distilled, higher-confidence summaries of units), and the
// lexical+recency+confidence retrieval scorer of spec §4.8.
//
// memory.go (the teacher's VectorStore/EmbeddingProvider-based
// MemoryManager) is kept as an optional recall *source* for Retriever:
// session.Manager.Recall builds a Retriever over this Store on every turn
// and injects its hits into the memory_recall zone; when an embedder is
// configured its results merge in alongside the lexical scorer, which is
// the required retrieval path by default (embedder/vectors nil).
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is a unit or crystal's lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
)

// Unit is one atomic memory note.
type Unit struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"sessionId"`
	Content    string         `json:"content"`
	Status     Status         `json:"status"`
	Confidence float64        `json:"confidence"`
	Retrievable bool          `json:"retrievable"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Crystal is a distilled, higher-confidence summary over one or more units.
type Crystal struct {
	Unit
	SourceUnitIDs []string `json:"sourceUnitIds"`
}

// Store persists units append-only to memory/units.jsonl (mirroring the
// on-disk layout of spec §6), keeping a latest-by-ID in-memory view.
type Store struct {
	dir string

	mu      sync.Mutex
	units   map[string]Unit
	crystals map[string]Crystal
}

// New opens (or creates) the memory store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	s := &Store{dir: dir, units: make(map[string]Unit), crystals: make(map[string]Crystal)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) unitsPath() string   { return filepath.Join(s.dir, "units.jsonl") }
func (s *Store) crystalsPath() string { return filepath.Join(s.dir, "crystals.jsonl") }

type record struct {
	Kind    string  `json:"kind"` // "unit" | "crystal"
	Unit    *Unit    `json:"unit,omitempty"`
	Crystal *Crystal `json:"crystal,omitempty"`
}

// RebuildMissing reloads units.jsonl/crystals.jsonl and fills in only the
// entries this Store doesn't already hold in memory, leaving existing
// entries untouched. Used on hydration (spec §4.10.1's
// Memory.rebuild(mode=missing_only)) to pick up anything written by another
// process since this Store's last load without clobbering in-flight state.
func (s *Store) RebuildMissing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range []string{s.unitsPath(), s.crystalsPath()} {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, line := range splitLines(data) {
			if len(line) == 0 {
				continue
			}
			var rec record
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			if rec.Unit != nil {
				if _, ok := s.units[rec.Unit.ID]; !ok {
					s.units[rec.Unit.ID] = *rec.Unit
				}
			}
			if rec.Crystal != nil {
				if _, ok := s.crystals[rec.Crystal.ID]; !ok {
					s.crystals[rec.Crystal.ID] = *rec.Crystal
				}
			}
		}
	}
	return nil
}

func (s *Store) load() error {
	for _, path := range []string{s.unitsPath(), s.crystalsPath()} {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, line := range splitLines(data) {
			if len(line) == 0 {
				continue
			}
			var rec record
			if err := json.Unmarshal(line, &rec); err != nil {
				continue // corrupt line, best-effort per hydration semantics
			}
			if rec.Unit != nil {
				s.units[rec.Unit.ID] = *rec.Unit
			}
			if rec.Crystal != nil {
				s.crystals[rec.Crystal.ID] = *rec.Crystal
			}
		}
	}
	return nil
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			out = append(out, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}

func appendJSONL(path string, v any) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	return enc.Encode(v)
}

// Upsert writes or replaces a unit, both in memory and on disk.
func (s *Store) Upsert(u Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = time.Now()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = u.UpdatedAt
	}
	s.units[u.ID] = u
	return appendJSONL(s.unitsPath(), record{Kind: "unit", Unit: &u})
}

// UpsertCrystal writes or replaces a crystal.
func (s *Store) UpsertCrystal(c Crystal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	s.crystals[c.ID] = c
	return appendJSONL(s.crystalsPath(), record{Kind: "crystal", Crystal: &c})
}

// Supersede marks a unit superseded so retrieval suppresses it.
func (s *Store) Supersede(id string) error {
	s.mu.Lock()
	u, ok := s.units[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	u.Status = StatusSuperseded
	return s.Upsert(u)
}

// UnitsForSession returns all retrievable candidate units for a session
// (superseded and non-retrievable units excluded).
func (s *Store) UnitsForSession(sessionID string) []Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Unit
	for _, u := range s.units {
		if u.SessionID != sessionID {
			continue
		}
		if u.Status == StatusSuperseded || !u.Retrievable {
			continue
		}
		out = append(out, u)
	}
	return out
}

// CrystalsForSession returns all retrievable crystals for a session.
func (s *Store) CrystalsForSession(sessionID string) []Crystal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Crystal
	for _, c := range s.crystals {
		if c.SessionID != sessionID {
			continue
		}
		if c.Status == StatusSuperseded || !c.Retrievable {
			continue
		}
		out = append(out, c)
	}
	return out
}
