// Package session wires the per-session component graph together:
// turn-start bookkeeping, hydration from the event log, and teardown of
// every in-memory cache a session touches (spec §4.10).
//
// Grounded on application/app.go's staged-initializer composition-root
// idiom (initRepositories -> initDomainServices -> ... one method per
// concern, struct fields for each collaborator) and
// service/state_machine.go's turn-indexed, monotonic progression.
package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/brewva/brewva/internal/domain/costtracker"
	ctxdomain "github.com/brewva/brewva/internal/domain/context"
	"github.com/brewva/brewva/internal/domain/ledger"
	"github.com/brewva/brewva/internal/domain/memory"
	"github.com/brewva/brewva/internal/domain/tape"
	"github.com/brewva/brewva/internal/domain/truth"
	"github.com/brewva/brewva/internal/infrastructure/eventstore"
	"github.com/brewva/brewva/internal/infrastructure/filetracker"
)

// Manager owns the per-session component graph: one Arena per session (an
// Arena is not safe for cross-session sharing, per its own doc comment),
// plus the shared multi-session collaborators it coordinates hydration
// and teardown across.
type Manager struct {
	log    *zap.Logger
	events *eventstore.Store
	costs  *costtracker.Tracker
	budget *ctxdomain.Budget
	memory *memory.Store
	truth  *truth.Sync
	files  *filetracker.Tracker
	ledger *ledger.Ledger
	tape   *tape.Checkpointer

	arenaCfg ctxdomain.ArenaConfig

	mu       sync.Mutex
	arenas   map[string]*ctxdomain.Arena
	turns    map[string]int
	hydrated map[string]bool
}

// Deps bundles the shared collaborators a Manager coordinates.
type Deps struct {
	Events   *eventstore.Store
	Costs    *costtracker.Tracker
	Budget   *ctxdomain.Budget
	Memory   *memory.Store
	Truth    *truth.Sync
	Files    *filetracker.Tracker
	Ledger   *ledger.Ledger
	Tape     *tape.Checkpointer
	ArenaCfg ctxdomain.ArenaConfig
}

// NewManager assembles a Manager from its collaborators.
func NewManager(deps Deps, log *zap.Logger) *Manager {
	return &Manager{
		log:      log,
		events:   deps.Events,
		costs:    deps.Costs,
		budget:   deps.Budget,
		memory:   deps.Memory,
		truth:    deps.Truth,
		files:    deps.Files,
		ledger:   deps.Ledger,
		tape:     deps.Tape,
		arenaCfg: deps.ArenaCfg,
		arenas:   make(map[string]*ctxdomain.Arena),
		turns:    make(map[string]int),
		hydrated: make(map[string]bool),
	}
}

// Arena returns (creating if absent) the per-session Arena.
func (m *Manager) Arena(sessionID string) *ctxdomain.Arena {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.arenas[sessionID]
	if !ok {
		a = ctxdomain.NewArena(m.arenaCfg, nil)
		m.arenas[sessionID] = a
	}
	return a
}

// OnTurnStart ensures the session is hydrated, bumps its turn counter
// monotonically, tells the ContextBudget a turn is beginning, and clears
// per-turn pending arena state (spec §4.10).
func (m *Manager) OnTurnStart(sessionID string, turnIndex int) {
	if !m.isHydrated(sessionID) {
		m.Hydrate(sessionID)
	}

	m.mu.Lock()
	if turnIndex > m.turns[sessionID] {
		m.turns[sessionID] = turnIndex
	}
	m.mu.Unlock()

	if m.budget != nil {
		m.budget.OnTurnStart(sessionID)
	}
	m.Arena(sessionID).ResetEpoch()
}

// Recall scores this session's memory units/crystals against query and
// injects the top hits into the Arena's memory_recall zone (spec §4.8
// feeding §4.5). A no-op when no memory store is configured.
func (m *Manager) Recall(sessionID, query string, limit int) []memory.Hit {
	if m.memory == nil {
		return nil
	}
	retriever := memory.NewRetriever(m.memory, memory.DefaultWeights(), nil, nil)
	hits := retriever.Retrieve(sessionID, query, limit)

	arena := m.Arena(sessionID)
	for _, h := range hits {
		arena.Append(ctxdomain.Entry{
			Key:      ctxdomain.Key{Source: "memory_recall", ID: h.Candidate.Key},
			Zone:     ctxdomain.ZoneMemoryRecall,
			Priority: ctxdomain.PriorityNormal,
			Content:  h.Candidate.Content,
		})
	}
	return hits
}

func (m *Manager) isHydrated(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hydrated[sessionID]
}

// ClearSessionState tears down every in-memory cache this manager and its
// collaborators hold for sessionID. Persistent on-disk state is untouched.
func (m *Manager) ClearSessionState(sessionID string) {
	m.mu.Lock()
	delete(m.arenas, sessionID)
	delete(m.turns, sessionID)
	delete(m.hydrated, sessionID)
	m.mu.Unlock()

	if m.events != nil {
		m.events.ClearSessionCache(sessionID)
	}
	if m.costs != nil {
		m.costs.ClearSession(sessionID)
	}
	if m.budget != nil {
		m.budget.ClearSession(sessionID)
	}
	if m.truth != nil {
		m.truth.ClearSession(sessionID)
	}
	if m.files != nil {
		m.files.ClearSessionCache(sessionID)
	}
	if m.ledger != nil {
		m.ledger.ClearSessionCache(sessionID)
	}
	if m.tape != nil {
		m.tape.ClearSession(sessionID)
	}
}
