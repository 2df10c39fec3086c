package context

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PressureLevel classifies context-window fullness, generalizing
// guardrails.ContextGuard's warnRatio/hardRatio two-way split into the
// three-way low/high/critical split spec §4.6 requires.
type PressureLevel string

const (
	PressureLow      PressureLevel = "low"
	PressureHigh     PressureLevel = "high"
	PressureCritical PressureLevel = "critical"
)

// BudgetConfig tunes compaction triggering.
type BudgetConfig struct {
	CompactionThresholdPercent float64
	HardLimitPercent           float64
	PressureBypassPercent      float64
	MinTurnsBetweenCompaction  int
	MinSecondsBetweenCompaction float64
}

// DefaultBudgetConfig mirrors the teacher's SoftTrimRatio/HardClearRatio
// pairing (0.7/0.85) from pruner.DefaultPruneConfig, extended with the
// hard-critical ceiling and bypass percent spec §4.6 adds.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		CompactionThresholdPercent: 0.7,
		HardLimitPercent:           0.85,
		PressureBypassPercent:      0.97,
		MinTurnsBetweenCompaction:  1,
		MinSecondsBetweenCompaction: 30,
	}
}

// Usage is one observeUsage sample.
type Usage struct {
	Tokens        int
	ContextWindow int
	Percent       float64 // if zero, computed as Tokens/ContextWindow
}

// GateStatus is the result of getCompactionGateStatus.
type GateStatus struct {
	Required             bool
	Pressure             PressureLevel
	RecentCompaction     bool
	WindowTurns          int
	LastCompactionTurn    int
	TurnsSinceCompaction int
}

// ToolGateResult is returned by the tool-admission gate (tools.start).
type ToolGateResult struct {
	Allowed bool
	Reason  string
}

type sessionBudgetState struct {
	mu                sync.Mutex
	pressure          PressureLevel
	lastUsage         Usage
	turn              int
	lastCompactionTurn int
	lastCompactionAt  time.Time
	hasCompacted      bool
}

// Budget is the per-runtime ContextBudget manager and compaction gate
// (spec §4.6). One instance serves all sessions; per-session state is
// protected by its own lock, following the teacher's CostGuard pattern of
// atomic-counter-per-subject rather than one giant mutex.
type Budget struct {
	cfg BudgetConfig
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionBudgetState
}

// NewBudget creates a Budget manager.
func NewBudget(cfg BudgetConfig, log *zap.Logger) *Budget {
	return &Budget{cfg: cfg, log: log, sessions: make(map[string]*sessionBudgetState)}
}

func (b *Budget) stateFor(sessionID string) *sessionBudgetState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &sessionBudgetState{lastCompactionTurn: -1}
		b.sessions[sessionID] = s
	}
	return s
}

func classify(percent float64, cfg BudgetConfig) PressureLevel {
	switch {
	case percent >= cfg.HardLimitPercent:
		return PressureCritical
	case percent >= cfg.CompactionThresholdPercent:
		return PressureHigh
	default:
		return PressureLow
	}
}

// ObserveUsage classifies pressure for a usage sample, per spec §4.6.
func (b *Budget) ObserveUsage(sessionID string, usage Usage) PressureLevel {
	if usage.Percent == 0 && usage.ContextWindow > 0 {
		usage.Percent = float64(usage.Tokens) / float64(usage.ContextWindow)
	}
	level := classify(usage.Percent, b.cfg)

	s := b.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsage = usage
	s.pressure = level
	if level != PressureCritical {
		b.log.Debug("context pressure observed",
			zap.String("session", sessionID), zap.String("level", string(level)),
			zap.Float64("percent", usage.Percent))
	} else {
		b.log.Warn("context pressure critical",
			zap.String("session", sessionID), zap.Float64("percent", usage.Percent))
	}
	return level
}

// OnTurnStart bumps the per-session turn counter.
func (b *Budget) OnTurnStart(sessionID string) {
	s := b.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn++
}

// GetCompactionGateStatus implements spec §4.6's "Required" predicate.
func (b *Budget) GetCompactionGateStatus(sessionID string) GateStatus {
	s := b.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	turnsSince := s.turn - s.lastCompactionTurn
	var secondsSince float64 = -1
	if s.hasCompacted {
		secondsSince = time.Since(s.lastCompactionAt).Seconds()
	}

	recentCompaction := s.hasCompacted && turnsSince < b.cfg.MinTurnsBetweenCompaction

	bypass := s.lastUsage.Percent >= b.cfg.PressureBypassPercent
	elapsedOK := bypass ||
		(turnsSince >= b.cfg.MinTurnsBetweenCompaction &&
			(!s.hasCompacted || secondsSince >= b.cfg.MinSecondsBetweenCompaction))

	required := s.pressure != PressureLow && elapsedOK

	return GateStatus{
		Required:             required,
		Pressure:             s.pressure,
		RecentCompaction:     recentCompaction,
		WindowTurns:          b.cfg.MinTurnsBetweenCompaction,
		LastCompactionTurn:    s.lastCompactionTurn,
		TurnsSinceCompaction: turnsSince,
	}
}

// Tools.start admission gate: at critical pressure, every tool but
// session_compact and the always-allowed lifecycle set is blocked.
func (b *Budget) CheckToolGate(sessionID, toolName string, alwaysAllowed map[string]bool) ToolGateResult {
	s := b.stateFor(sessionID)
	s.mu.Lock()
	pressure := s.pressure
	s.mu.Unlock()

	if pressure != PressureCritical {
		return ToolGateResult{Allowed: true}
	}
	if toolName == "session_compact" || alwaysAllowed[toolName] {
		return ToolGateResult{Allowed: true}
	}
	return ToolGateResult{Allowed: false, Reason: fmt.Sprintf("tool %q blocked: requires session_compact at critical context pressure", toolName)}
}

// MarkCompacted records a completed compaction, clearing critical pressure
// until the next threshold crossing.
func (b *Budget) MarkCompacted(sessionID string, fromTokens, toTokens int) {
	s := b.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasCompacted = true
	s.lastCompactionTurn = s.turn
	s.lastCompactionAt = time.Now()
	if s.lastUsage.ContextWindow > 0 {
		s.lastUsage.Tokens = toTokens
		s.lastUsage.Percent = float64(toTokens) / float64(s.lastUsage.ContextWindow)
	}
	s.pressure = classify(s.lastUsage.Percent, b.cfg)
	b.log.Info("context compacted",
		zap.String("session", sessionID), zap.Int("fromTokens", fromTokens), zap.Int("toTokens", toTokens))
}

// ClearSession tears down per-session budget state (part of
// SessionLifecycle.clearSessionState, §4.10.1).
func (b *Budget) ClearSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionID)
}
