package entity

import "time"

// EventType is an open string taxonomy — folding code only demands
// structural guarantees at the sites that actually fold a given type.
// Unknown types are preserved verbatim (the "other" variant in spec terms).
type EventType string

const (
	EventSessionStart       EventType = "session_start"
	EventSessionShutdown    EventType = "session_shutdown"
	EventSessionInterrupted EventType = "session_interrupted"
	EventSessionBeforeCompact EventType = "session_before_compact"
	EventSessionCompact     EventType = "session_compact"
	EventSessionBootstrap   EventType = "session_bootstrap"

	EventTurnStart EventType = "turn_start"
	EventTurnEnd   EventType = "turn_end"

	EventAgentStart EventType = "agent_start"
	EventAgentEnd   EventType = "agent_end"

	EventMessageStart  EventType = "message_start"
	EventMessageUpdate EventType = "message_update"
	EventMessageEnd    EventType = "message_end"

	EventToolCall            EventType = "tool_call"
	EventToolResultRecorded  EventType = "tool_result_recorded"
	EventToolCallMarked      EventType = "tool_call_marked"
	EventToolCallBlocked     EventType = "tool_call_blocked"
	EventToolExecutionStart  EventType = "tool_execution_start"
	EventToolExecutionUpdate EventType = "tool_execution_update"
	EventToolExecutionEnd    EventType = "tool_execution_end"
	EventToolExecutionError  EventType = "tool_execution_error"

	EventPatchRecorded EventType = "patch_recorded"
	EventRollback      EventType = "rollback"

	EventCostUpdate             EventType = "cost_update"
	EventCognitiveUsageRecorded EventType = "cognitive_usage_recorded"

	EventContextInjected                  EventType = "context_injected"
	EventContextInjectionDropped          EventType = "context_injection_dropped"
	EventContextCompactionRequested       EventType = "context_compaction_requested"
	EventContextCompacted                 EventType = "context_compacted"
	EventContextCompactionSkipped         EventType = "context_compaction_skipped"
	EventContextCompactionGateBlockedTool EventType = "context_compaction_gate_blocked_tool"
	EventContextArenaFloorUnmetUnrecoverable EventType = "context_arena_floor_unmet_unrecoverable"
	EventContextArenaForceCompacted       EventType = "context_arena_force_compacted"
	EventContextExternalRecallSkipped     EventType = "context_external_recall_skipped"

	EventTruthEvent EventType = "truth_event"

	EventVerificationOutcomeRecorded EventType = "verification_outcome_recorded"

	EventSkillActivated      EventType = "skill_activated"
	EventSkillCompleted      EventType = "skill_completed"
	EventSkillBudgetWarning  EventType = "skill_budget_warning"
	EventSkillParallelWarning EventType = "skill_parallel_warning"
	EventToolContractWarning EventType = "tool_contract_warning"

	EventLedgerCompacted EventType = "ledger_compacted"

	EventTapeAnchor     EventType = "tape_anchor"
	EventTapeCheckpoint EventType = "tape_checkpoint"

	EventFileSnapshotCaptured EventType = "file_snapshot_captured"
	EventIdentityParseWarning EventType = "identity_parse_warning"

	EventPersistenceError EventType = "persistence_error"
	EventHydrationWarning EventType = "hydration_warning"
	EventConfigParseError EventType = "config_parse_error"
)

// Event is the single immutable unit of truth for a session. Folded state
// is a pure function of the ordered prefix of events for that session.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Turn      *int           `json:"turn,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// AlwaysAllowedTools bypass skill allow-list admission (still subject to
// cost/compaction gates, per spec §6).
var AlwaysAllowedTools = map[string]bool{
	"skill_complete":     true,
	"skill_load":         true,
	"ledger_query":       true,
	"cost_view":          true,
	"tape_handoff":       true,
	"tape_info":          true,
	"tape_search":        true,
	"session_compact":    true,
	"rollback_last_patch": true,
	"schedule_intent":    true,
}
