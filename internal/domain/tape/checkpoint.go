// Package tape synthesizes periodic folded-state checkpoints into the event
// log and records passive phase-handoff anchors (spec §4.11).
//
// Grounded in service/compaction.go's flushToDailyLog (periodic flush of
// accumulated state to durable storage) and
// eventbus/persistent_bus.go's rotateLocked (interval-triggered snapshot),
// generalized from rotating a WAL file to checkpointing folded cost state
// so session.Manager.Hydrate has a fold origin shorter than the full log.
package tape

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brewva/brewva/internal/domain/costtracker"
	"github.com/brewva/brewva/internal/domain/entity"
	"github.com/brewva/brewva/internal/domain/ledger"
	"github.com/brewva/brewva/internal/infrastructure/eventstore"
)

// Config bounds checkpoint frequency.
type Config struct {
	// CheckpointIntervalEntries is how many appended events elapse between
	// checkpoints, per session.
	CheckpointIntervalEntries int
}

// DefaultConfig matches the teacher's WAL rotation threshold in spirit: a
// round, conservative interval that keeps replay short without
// checkpointing on every turn.
func DefaultConfig() Config {
	return Config{CheckpointIntervalEntries: 50}
}

// checkpointPayload is the compact, canonical snapshot of folded state a
// tape_checkpoint event carries. "Others may be added by extension" per
// spec — the full cost Snapshot already carries per-model/skill/tool
// breakdowns and alert state beyond the minimal {cost,
// costSkillLastTurnByName} the spec names.
type checkpointPayload struct {
	Cost                    costtracker.Snapshot `json:"cost"`
	CostSkillLastTurnByName map[string]int       `json:"costSkillLastTurnByName"`
}

// Checkpointer counts appended events per session and, every
// CheckpointIntervalEntries entries, synthesizes a tape_checkpoint event
// folding current cost state. Checkpoint events also get an evidence row
// in the Ledger so they participate in its hash chain like any other
// recorded tool-adjacent fact.
type Checkpointer struct {
	cfg      Config
	log      *zap.Logger
	events   *eventstore.Store
	costs    *costtracker.Tracker
	evidence *ledger.Ledger

	mu       sync.Mutex
	counters map[string]int
}

// New assembles a Checkpointer from its collaborators.
func New(cfg Config, events *eventstore.Store, costs *costtracker.Tracker, evidence *ledger.Ledger, log *zap.Logger) *Checkpointer {
	if cfg.CheckpointIntervalEntries <= 0 {
		cfg.CheckpointIntervalEntries = DefaultConfig().CheckpointIntervalEntries
	}
	return &Checkpointer{
		cfg: cfg, log: log, events: events, costs: costs, evidence: evidence,
		counters: make(map[string]int),
	}
}

// OnEventAppended is called once per event appended to sessionID's log
// (typically from the same call site as EventStore.Append). Once the
// configured interval of entries has elapsed, it synthesizes a checkpoint.
func (c *Checkpointer) OnEventAppended(sessionID string, turn int) {
	c.mu.Lock()
	c.counters[sessionID]++
	due := c.counters[sessionID] >= c.cfg.CheckpointIntervalEntries
	if due {
		c.counters[sessionID] = 0
	}
	c.mu.Unlock()

	if due {
		c.checkpoint(sessionID, turn)
	}
}

func (c *Checkpointer) checkpoint(sessionID string, turn int) {
	if c.costs == nil || c.events == nil {
		return
	}
	snap := c.costs.Snapshot(sessionID)
	payload := checkpointPayload{Cost: snap, CostSkillLastTurnByName: snap.CostSkillLastTurnByName}

	t := turn
	if err := c.events.Append(entity.Event{
		SessionID: sessionID,
		Type:      entity.EventTapeCheckpoint,
		Timestamp: time.Now(),
		Turn:      &t,
		Payload:   map[string]any{"cost": payload.Cost, "costSkillLastTurnByName": payload.CostSkillLastTurnByName},
	}); err != nil {
		c.log.Warn("tape checkpoint event append failed", zap.String("session", sessionID), zap.Error(err))
		return
	}

	if c.evidence == nil {
		return
	}
	if _, err := c.evidence.Append(ledger.Row{
		SessionID:     sessionID,
		Turn:          turn,
		Tool:          "tape_checkpoint",
		OutputSummary: "folded cost snapshot",
		Verdict:       ledger.VerdictUnknown,
		CreatedAt:     time.Now(),
	}); err != nil {
		c.log.Warn("tape checkpoint ledger append failed", zap.String("session", sessionID), zap.Error(err))
	}
}

// RecordAnchor appends a tape_anchor event marking a user-visible semantic
// phase handoff. Anchors are otherwise passive: the Arena and Budget
// planner never read them back.
func (c *Checkpointer) RecordAnchor(sessionID string, turn int, label string) {
	if c.events == nil {
		return
	}
	t := turn
	if err := c.events.Append(entity.Event{
		SessionID: sessionID,
		Type:      entity.EventTapeAnchor,
		Timestamp: time.Now(),
		Turn:      &t,
		Payload:   map[string]any{"label": label},
	}); err != nil {
		c.log.Warn("tape anchor event append failed", zap.String("session", sessionID), zap.Error(err))
	}
}

// ClearSession drops the in-memory entries-since-checkpoint counter for
// sessionID (spec §4.10's "tape counters" per-session cache).
func (c *Checkpointer) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counters, sessionID)
}
