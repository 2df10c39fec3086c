package truth

import "sync"

// ItemStatus is one task item's progress state.
type ItemStatus string

const (
	ItemTodo    ItemStatus = "todo"
	ItemDoing   ItemStatus = "doing"
	ItemDone    ItemStatus = "done"
	ItemBlocked ItemStatus = "blocked"
)

// Item is one unit of work in a TaskState.
type Item struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Status ItemStatus `json:"status"`
}

// Blocker ties an obstruction to its originating truth fact (if any). A
// blocker with no TruthFactID was raised directly rather than derived.
type Blocker struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	Source      string `json:"source"`
	TruthFactID string `json:"truthFactId,omitempty"`
}

// TaskState is the per-session task ledger.
type TaskState struct {
	Spec     string    `json:"spec"`
	Items    []Item    `json:"items"`
	Blockers []Blocker `json:"blockers"`
}

// Ledger owns TaskState per session and keeps its blockers synced to a
// Store's fact lifecycle: an active command_failure fact raises (or
// refreshes) a matching blocker; resolving the fact resolves the blocker.
//
// Grounded in compaction.go's flushToDailyLog idiom of folding tool-result
// evidence into a small persistent task summary, generalized here to a
// structured ledger instead of a daily-log text blob.
type Ledger struct {
	mu     sync.Mutex
	states map[string]*TaskState
	idSeq  int
}

// NewLedger creates an empty task ledger.
func NewLedger() *Ledger {
	return &Ledger{states: make(map[string]*TaskState)}
}

func (l *Ledger) stateFor(sessionID string) *TaskState {
	st, ok := l.states[sessionID]
	if !ok {
		st = &TaskState{}
		l.states[sessionID] = st
	}
	return st
}

func (l *Ledger) nextBlockerID() string {
	l.idSeq++
	return "blocker-" + itoa(l.idSeq)
}

// SetSpec records the session's task spec text.
func (l *Ledger) SetSpec(sessionID, spec string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateFor(sessionID).Spec = spec
}

// UpsertItem adds or updates a task item by ID.
func (l *Ledger) UpsertItem(sessionID string, item Item) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(sessionID)
	for i, existing := range st.Items {
		if existing.ID == item.ID {
			st.Items[i] = item
			return
		}
	}
	st.Items = append(st.Items, item)
}

// SyncFromFact raises or resolves the blocker backing a truth fact,
// matching item status alongside it (spec: "blockers sync to truth facts:
// resolving a fact resolves its backing blocker").
func (l *Ledger) SyncFromFact(sessionID string, f Fact, itemID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(sessionID)

	idx := -1
	for i, b := range st.Blockers {
		if b.TruthFactID == f.ID {
			idx = i
			break
		}
	}

	switch f.Status {
	case FactActive:
		if idx >= 0 {
			st.Blockers[idx].Message = f.Summary
			return
		}
		st.Blockers = append(st.Blockers, Blocker{
			ID:          l.nextBlockerID(),
			Message:     f.Summary,
			Source:      string(f.Kind),
			TruthFactID: f.ID,
		})
		l.setItemStatusLocked(st, itemID, ItemBlocked)
	case FactResolved:
		if idx >= 0 {
			st.Blockers = append(st.Blockers[:idx], st.Blockers[idx+1:]...)
		}
		l.setItemStatusLocked(st, itemID, ItemDoing)
	}
}

func (l *Ledger) setItemStatusLocked(st *TaskState, itemID string, status ItemStatus) {
	if itemID == "" {
		return
	}
	for i, item := range st.Items {
		if item.ID == itemID {
			st.Items[i].Status = status
			return
		}
	}
}

// Get returns a copy of the session's current TaskState.
func (l *Ledger) Get(sessionID string) TaskState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stateFor(sessionID)
	items := append([]Item(nil), st.Items...)
	blockers := append([]Blocker(nil), st.Blockers...)
	return TaskState{Spec: st.Spec, Items: items, Blockers: blockers}
}

// ClearSession tears down a session's task ledger state.
func (l *Ledger) ClearSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, sessionID)
}
