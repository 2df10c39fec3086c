// Package eventstore persists per-session event logs as JSON-lines files
// and serves filtered reads over an in-memory snapshot of the tail.
//
// Generalized from internal/infrastructure/eventbus's PersistentBus WAL
// (single global file, pub/sub dispatch) into a per-session append-only
// log with no dispatch responsibility — folding is the caller's job.
package eventstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/brewva/brewva/internal/domain/entity"
)

// Filter narrows a List query. Zero value matches everything.
type Filter struct {
	Types    []entity.EventType
	Turn     *int
	Since    string // event ID, exclusive
	Limit    int
}

func (f Filter) matches(e entity.Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Turn != nil {
		if e.Turn == nil || *e.Turn != *f.Turn {
			return false
		}
	}
	return true
}

type sessionLog struct {
	mu     sync.Mutex // serializes writers for this session
	cache  []entity.Event
	cached bool
}

// Store is the EventStore: append(event), list(sessionId, filter?),
// clearSessionCache(sessionId). File layout: events/<session>.jsonl.
type Store struct {
	dir string
	log *zap.Logger

	mu       sync.Mutex // protects the sessions map itself
	sessions map[string]*sessionLog
}

// New creates an EventStore rooted at dir (typically "<workspace>/events").
func New(dir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	return &Store{
		dir:      dir,
		log:      log,
		sessions: make(map[string]*sessionLog),
	}, nil
}

func (s *Store) sessionPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

func (s *Store) sessionState(sessionID string) *sessionLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.sessions[sessionID]
	if !ok {
		sl = &sessionLog{}
		s.sessions[sessionID] = sl
	}
	return sl
}

// Append writes event to the session's log. Append is atomic w.r.t. readers
// on the same process: the writer lock is held for both the file write and
// the in-memory cache update, so List always observes either the pre- or
// post-append state, never a torn one.
//
// On I/O failure the event is still observed in-memory (persistence error
// kind, spec §7) — callers should emit entity.EventPersistenceError after
// this returns an error; no event is silently dropped from the cache.
func (s *Store) Append(event entity.Event) error {
	sl := s.sessionState(event.SessionID)
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if !sl.cached {
		loaded, err := s.loadLocked(event.SessionID)
		if err != nil {
			s.log.Warn("event log preload failed, continuing with empty cache",
				zap.String("session", event.SessionID), zap.Error(err))
		}
		sl.cache = loaded
		sl.cached = true
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	sl.cache = append(sl.cache, event)

	f, err := os.OpenFile(s.sessionPath(event.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	return f.Sync()
}

func (s *Store) loadLocked(sessionID string) ([]entity.Event, error) {
	f, err := os.Open(s.sessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var events []entity.Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entity.Event
		if err := json.Unmarshal(line, &e); err != nil {
			s.log.Warn("skipping corrupt event line", zap.String("session", sessionID), zap.Error(err))
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

// List returns a copy-on-read snapshot of events for sessionID matching
// filter, in insertion (FIFO) order. There is no cross-session ordering
// guarantee.
func (s *Store) List(sessionID string, filter Filter) ([]entity.Event, error) {
	sl := s.sessionState(sessionID)
	sl.mu.Lock()
	if !sl.cached {
		loaded, err := s.loadLocked(sessionID)
		if err != nil {
			sl.mu.Unlock()
			return nil, err
		}
		sl.cache = loaded
		sl.cached = true
	}
	snapshot := make([]entity.Event, len(sl.cache))
	copy(snapshot, sl.cache)
	sl.mu.Unlock()

	out := make([]entity.Event, 0, len(snapshot))
	sinceSeen := filter.Since == ""
	for _, e := range snapshot {
		if !sinceSeen {
			if e.ID == filter.Since {
				sinceSeen = true
			}
			continue
		}
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// ClearSessionCache drops the in-memory tail for sessionID. Persistent
// on-disk state is untouched; the next Append/List reloads from disk.
func (s *Store) ClearSessionCache(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Sessions lists every session ID with a persisted log, sorted for
// deterministic iteration (used by CLI --replay without --session).
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) == ".jsonl" {
			ids = append(ids, name[:len(name)-len(".jsonl")])
		}
	}
	sort.Strings(ids)
	return ids, nil
}
