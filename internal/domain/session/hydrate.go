package session

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/brewva/brewva/internal/domain/costtracker"
	"github.com/brewva/brewva/internal/domain/entity"
	"github.com/brewva/brewva/internal/domain/truth"
	"github.com/brewva/brewva/internal/infrastructure/eventstore"
)

// FoldedState is the per-session view Hydrate publishes: everything
// derivable from the event log that isn't already owned by a dedicated
// component's own replay (cost, truth facts).
type FoldedState struct {
	Turn               int
	ActiveSkills       map[string]bool
	LastCompactionTurn int
	ContractWarnings   []string
	BudgetWarnings     []string
	ParallelWarnings   []string
}

func newFoldedState() *FoldedState {
	return &FoldedState{ActiveSkills: make(map[string]bool)}
}

// decodePayload round-trips an event's loosely-typed payload map into a
// concrete struct via JSON, mirroring how events are persisted in the
// first place.
func decodePayload(payload map[string]any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// checkpointPayload is the shape tape_checkpoint events carry (spec §4.11).
type checkpointPayload struct {
	Cost costtracker.Snapshot `json:"cost"`
}

// truthFactPayload mirrors a truth.Fact for the truth_event log entry.
type truthFactPayload struct {
	Fact truth.Fact `json:"fact"`
}

// Hydrate runs the once-per-process, per-session replay procedure of spec
// §4.10.1: find the latest checkpoint (if any), restore cost state from
// it, then replay the full event log folding task/truth/skill/warning
// state, replaying cost only for events at or after the checkpoint.
func (m *Manager) Hydrate(sessionID string) *FoldedState {
	m.mu.Lock()
	if m.hydrated[sessionID] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	state := newFoldedState()

	if m.events == nil {
		m.markHydrated(sessionID)
		return state
	}

	events, err := m.events.List(sessionID, eventstore.Filter{})
	if err != nil {
		m.log.Warn("hydration: failed to load events", zap.String("session", sessionID), zap.Error(err))
		m.markHydrated(sessionID)
		return state
	}

	checkpointIdx := -1
	checkpointTurn := -1
	for i, e := range events {
		if e.Type == entity.EventTapeCheckpoint {
			checkpointIdx = i
			if e.Turn != nil {
				checkpointTurn = *e.Turn
			}
		}
	}

	costReplayStartIndex := 0
	if checkpointIdx >= 0 {
		var cp checkpointPayload
		if err := decodePayload(events[checkpointIdx].Payload, &cp); err == nil && m.costs != nil {
			m.costs.Restore(sessionID, cp.Cost)
		}
		if m.memory != nil {
			if err := m.memory.RebuildMissing(); err != nil {
				m.log.Warn("hydration: memory rebuild failed", zap.String("session", sessionID), zap.Error(err))
			}
		}
		costReplayStartIndex = checkpointIdx + 1
	}

	for i, e := range events {
		if e.Turn != nil && *e.Turn > state.Turn {
			state.Turn = *e.Turn
		}

		switch e.Type {
		case entity.EventTruthEvent:
			m.foldTruthEvent(sessionID, e)

		case entity.EventSkillActivated:
			if name, _ := e.Payload["skill"].(string); name != "" {
				state.ActiveSkills[name] = true
			}
		case entity.EventSkillCompleted:
			if name, _ := e.Payload["skill"].(string); name != "" {
				delete(state.ActiveSkills, name)
			}

		case entity.EventLedgerCompacted, entity.EventContextCompacted:
			if e.Turn != nil {
				state.LastCompactionTurn = *e.Turn
			}

		case entity.EventToolContractWarning:
			state.ContractWarnings = append(state.ContractWarnings, summarizeWarning(e.Payload))
		case entity.EventSkillBudgetWarning:
			state.BudgetWarnings = append(state.BudgetWarnings, summarizeWarning(e.Payload))
		case entity.EventSkillParallelWarning:
			state.ParallelWarnings = append(state.ParallelWarnings, summarizeWarning(e.Payload))

		case entity.EventToolCallMarked, entity.EventCognitiveUsageRecorded:
			withinCheckpointTurn := checkpointTurn >= 0 && e.Turn != nil && *e.Turn == checkpointTurn
			if i >= costReplayStartIndex || withinCheckpointTurn {
				m.foldCostEvent(sessionID, e)
			}
		}
	}

	m.markHydrated(sessionID)
	return state
}

func (m *Manager) foldTruthEvent(sessionID string, e entity.Event) {
	if m.truth == nil {
		return
	}
	var tp truthFactPayload
	if err := decodePayload(e.Payload, &tp); err != nil {
		return
	}
	tp.Fact.SessionID = sessionID
	if tp.Fact.Status == truth.FactResolved {
		m.truth.Facts.Resolve(sessionID, tp.Fact.Kind, tp.Fact.Subject, "")
		return
	}
	m.truth.Facts.Upsert(tp.Fact)
}

func (m *Manager) foldCostEvent(sessionID string, e entity.Event) {
	if m.costs == nil {
		return
	}
	turn := 0
	if e.Turn != nil {
		turn = *e.Turn
	}
	if e.Type == entity.EventCognitiveUsageRecorded {
		var u costtracker.Usage
		if err := decodePayload(e.Payload, &u); err == nil {
			skill, _ := e.Payload["skill"].(string)
			m.costs.RecordUsage(sessionID, u, costtracker.RecordContext{Turn: turn, Skill: skill})
		}
		return
	}
	if toolName, _ := e.Payload["tool"].(string); toolName != "" {
		m.costs.RecordToolCall(sessionID, toolName, turn)
	}
}

func summarizeWarning(payload map[string]any) string {
	if reason, ok := payload["reason"].(string); ok {
		return reason
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func (m *Manager) markHydrated(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hydrated[sessionID] = true
}
