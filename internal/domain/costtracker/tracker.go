// Package costtracker accounts for per-session LLM and tool cost, attributing
// usage proportionally across the tools invoked on a turn (spec §4.7).
//
// Grounded in service.CostGuard (atomic token counter + duration budget),
// generalized from a single running total to per-model/per-skill/per-tool
// attribution tables with threshold/cap alerting and checkpoint restore.
package costtracker

import (
	"sync"

	"go.uber.org/zap"
)

// Usage is one recordUsage sample.
type Usage struct {
	Model       string
	InputTokens int
	OutputTokens int
	CacheRead   int
	CacheWrite  int
	TotalTokens int
	CostUSD     float64
}

func (u Usage) shared(share float64) Usage {
	return Usage{
		InputTokens:  int(float64(u.InputTokens) * share),
		OutputTokens: int(float64(u.OutputTokens) * share),
		CacheRead:    int(float64(u.CacheRead) * share),
		CacheWrite:   int(float64(u.CacheWrite) * share),
		TotalTokens:  int(float64(u.TotalTokens) * share),
		CostUSD:      u.CostUSD * share,
	}
}

// RecordContext carries the turn/skill this usage is attributed to.
type RecordContext struct {
	Turn  int
	Skill string
}

// AlertKind distinguishes the threshold vs. cap vs. per-skill alert.
type AlertKind string

const (
	AlertSessionThreshold AlertKind = "session_threshold"
	AlertSessionCap       AlertKind = "session_cap"
	AlertSkillCap         AlertKind = "skill_cap"
)

// Alert is one fired, persisted alert; each kind (keyed by kind+subject)
// fires at most once per session.
type Alert struct {
	Kind    AlertKind
	Subject string // skill name for AlertSkillCap, "" otherwise
	CostUSD float64
}

// Totals is a cloned snapshot of one subject's accumulated cost/tokens,
// the shape spec §3's CostTotals names.
type Totals struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
	TotalTokens      int
	CostUSD          float64
}

// SkillTotals is a skill's Totals plus the usageCount/turnCount spec §3
// adds for the per-skill table.
type SkillTotals struct {
	Totals
	UsageCount int
	TurnCount  int
}

// ToolTotals is a tool's Totals (read as allocatedTokens/allocatedCostUsd
// for a proportionally-attributed subject) plus the callCount spec §3
// adds for the per-tool table.
type ToolTotals struct {
	Totals
	CallCount int
}

// Config bounds session/skill spend.
type Config struct {
	MaxCostUSDPerSession float64
	MaxCostUSDPerSkill   float64
	AlertThresholdRatio  float64
}

// DefaultConfig mirrors the teacher's "0 means unbounded" CostGuard idiom.
func DefaultConfig() Config {
	return Config{
		MaxCostUSDPerSession: 0,
		MaxCostUSDPerSkill:   0,
		AlertThresholdRatio:  0.8,
	}
}

// Action is the budget-status action a caller should take.
type Action string

const (
	ActionNone      Action = ""
	ActionWarn      Action = "warn"
	ActionBlockTools Action = "block_tools"
)

// Status is the result of Status().
type Status struct {
	Action         Action
	SessionExceeded bool
	SkillExceeded  bool
	Blocked        bool
	Reason         string
}

// Snapshot is the checkpointable folded state for one session, used by
// TapeCheckpointer (§4.11) and SessionLifecycle hydration (§4.10.1).
type Snapshot struct {
	SessionTotal        Totals
	ByModel             map[string]Totals
	BySkill             map[string]SkillTotals
	ByTool              map[string]ToolTotals
	CostSkillLastTurnByName map[string]int
	Alerts              []Alert
}

type sessionState struct {
	mu sync.Mutex

	sessionTotal Totals
	byModel      map[string]Totals
	bySkill      map[string]SkillTotals
	byTool       map[string]ToolTotals

	// toolCallsThisTurn counts calls per tool for the turn currently being
	// accumulated, reset whenever RecordToolCall sees a new turn.
	currentTurn       int
	toolCallsThisTurn map[string]int
	costSkillLastTurnByName map[string]int

	alerted map[string]bool // alert key -> fired
	alerts  []Alert
}

func newSessionState() *sessionState {
	return &sessionState{
		byModel:                 make(map[string]Totals),
		bySkill:                 make(map[string]SkillTotals),
		byTool:                  make(map[string]ToolTotals),
		toolCallsThisTurn:       make(map[string]int),
		costSkillLastTurnByName: make(map[string]int),
		alerted:                 make(map[string]bool),
	}
}

// Tracker is the per-runtime CostTracker; per-session state guarded by its
// own lock, following CostGuard's per-subject-not-global locking pattern.
type Tracker struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New creates a Tracker.
func New(cfg Config, log *zap.Logger) *Tracker {
	return &Tracker{cfg: cfg, log: log, sessions: make(map[string]*sessionState)}
}

func (t *Tracker) stateFor(sessionID string) *sessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		s = newSessionState()
		t.sessions[sessionID] = s
	}
	return s
}

// RecordToolCall increments the per-turn call count for toolName, used for
// proportional cost attribution at the next RecordUsage.
func (t *Tracker) RecordToolCall(sessionID, toolName string, turn int) {
	s := t.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn != s.currentTurn {
		s.currentTurn = turn
		s.toolCallsThisTurn = make(map[string]int)
	}
	s.toolCallsThisTurn[toolName]++
	tt := s.byTool[toolName]
	tt.CallCount++
	s.byTool[toolName] = tt
}

func addUsage(t Totals, usage Usage) Totals {
	t.InputTokens += usage.InputTokens
	t.OutputTokens += usage.OutputTokens
	t.CacheReadTokens += usage.CacheRead
	t.CacheWriteTokens += usage.CacheWrite
	t.TotalTokens += usage.TotalTokens
	t.CostUSD += usage.CostUSD
	return t
}

// RecordUsage accumulates usage into session/model/skill totals and
// attributes cost/tokens to every tool called on this turn in proportion
// to call count (a single virtual "llm" tool when none were called).
func (t *Tracker) RecordUsage(sessionID string, usage Usage, rctx RecordContext) []Alert {
	s := t.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionTotal = addUsage(s.sessionTotal, usage)
	if usage.Model != "" {
		s.byModel[usage.Model] = addUsage(s.byModel[usage.Model], usage)
	}
	if rctx.Skill != "" {
		st := s.bySkill[rctx.Skill]
		st.Totals = addUsage(st.Totals, usage)
		st.UsageCount++
		if lastTurn, seen := s.costSkillLastTurnByName[rctx.Skill]; !seen || lastTurn != rctx.Turn {
			st.TurnCount++
		}
		s.bySkill[rctx.Skill] = st
		s.costSkillLastTurnByName[rctx.Skill] = rctx.Turn
	}

	callMap := s.toolCallsThisTurn
	synthetic := rctx.Turn != s.currentTurn || len(callMap) == 0
	if synthetic {
		callMap = map[string]int{"llm": 1}
	}
	totalCalls := 0
	for _, n := range callMap {
		totalCalls += n
	}
	if totalCalls == 0 {
		totalCalls = 1
		synthetic = true
		callMap = map[string]int{"llm": 1}
	}
	for toolName, calls := range callMap {
		share := float64(calls) / float64(totalCalls)
		tt := s.byTool[toolName]
		tt.Totals = addUsage(tt.Totals, usage.shared(share))
		if synthetic {
			tt.CallCount += calls
		}
		s.byTool[toolName] = tt
	}

	return t.checkAlertsLocked(s, rctx.Skill)
}

// checkAlertsLocked fires threshold/cap alerts at most once each. Caller
// holds s.mu.
func (t *Tracker) checkAlertsLocked(s *sessionState, skill string) []Alert {
	var fired []Alert

	if t.cfg.MaxCostUSDPerSession > 0 {
		threshold := t.cfg.MaxCostUSDPerSession * t.cfg.AlertThresholdRatio
		if s.sessionTotal.CostUSD >= threshold && !s.alerted[string(AlertSessionThreshold)] {
			s.alerted[string(AlertSessionThreshold)] = true
			a := Alert{Kind: AlertSessionThreshold, CostUSD: s.sessionTotal.CostUSD}
			s.alerts = append(s.alerts, a)
			fired = append(fired, a)
			t.log.Warn("cost alert: session threshold", zap.Float64("cost", a.CostUSD))
		}
		if s.sessionTotal.CostUSD >= t.cfg.MaxCostUSDPerSession && !s.alerted[string(AlertSessionCap)] {
			s.alerted[string(AlertSessionCap)] = true
			a := Alert{Kind: AlertSessionCap, CostUSD: s.sessionTotal.CostUSD}
			s.alerts = append(s.alerts, a)
			fired = append(fired, a)
			t.log.Warn("cost alert: session cap", zap.Float64("cost", a.CostUSD))
		}
	}

	if skill != "" && t.cfg.MaxCostUSDPerSkill > 0 {
		key := string(AlertSkillCap) + ":" + skill
		total := s.bySkill[skill]
		if total.CostUSD >= t.cfg.MaxCostUSDPerSkill && !s.alerted[key] {
			s.alerted[key] = true
			a := Alert{Kind: AlertSkillCap, Subject: skill, CostUSD: total.CostUSD}
			s.alerts = append(s.alerts, a)
			fired = append(fired, a)
			t.log.Warn("cost alert: skill cap", zap.String("skill", skill), zap.Float64("cost", a.CostUSD))
		}
	}

	return fired
}

// Status reports the current budget status for a session.
func (t *Tracker) Status(sessionID string) Status {
	s := t.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	status := Status{}
	if t.cfg.MaxCostUSDPerSession > 0 && s.sessionTotal.CostUSD >= t.cfg.MaxCostUSDPerSession {
		status.SessionExceeded = true
		status.Blocked = true
		status.Action = ActionBlockTools
		status.Reason = "session cost cap exceeded"
		return status
	}
	if t.cfg.MaxCostUSDPerSession > 0 && s.sessionTotal.CostUSD >= t.cfg.MaxCostUSDPerSession*t.cfg.AlertThresholdRatio {
		status.Action = ActionWarn
		status.Reason = "approaching session cost cap"
	}
	for skill, total := range s.bySkill {
		if t.cfg.MaxCostUSDPerSkill > 0 && total.CostUSD >= t.cfg.MaxCostUSDPerSkill {
			status.SkillExceeded = true
			status.Blocked = true
			status.Action = ActionBlockTools
			status.Reason = "skill \"" + skill + "\" cost cap exceeded"
			return status
		}
	}
	return status
}

// Snapshot clones the session's folded state for a tape checkpoint.
func (t *Tracker) Snapshot(sessionID string) Snapshot {
	s := t.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := Snapshot{
		SessionTotal:            s.sessionTotal,
		ByModel:                 cloneMap(s.byModel),
		BySkill:                 cloneSkillMap(s.bySkill),
		ByTool:                  cloneToolMap(s.byTool),
		CostSkillLastTurnByName: cloneIntMap(s.costSkillLastTurnByName),
		Alerts:                  append([]Alert(nil), s.alerts...),
	}
	return clone
}

func cloneMap(m map[string]Totals) map[string]Totals {
	out := make(map[string]Totals, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSkillMap(m map[string]SkillTotals) map[string]SkillTotals {
	out := make(map[string]SkillTotals, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneToolMap(m map[string]ToolTotals) map[string]ToolTotals {
	out := make(map[string]ToolTotals, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Restore re-seats totals and reconstructs the *Alerted booleans from a
// checkpoint snapshot, so replaying the remaining tail of events does not
// double-fire alerts already recorded in snapshot.Alerts.
func (t *Tracker) Restore(sessionID string, snap Snapshot) {
	s := t.stateFor(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessionTotal = snap.SessionTotal
	s.byModel = cloneMap(snap.ByModel)
	s.bySkill = cloneSkillMap(snap.BySkill)
	s.byTool = cloneToolMap(snap.ByTool)
	s.costSkillLastTurnByName = cloneIntMap(snap.CostSkillLastTurnByName)
	s.alerts = append([]Alert(nil), snap.Alerts...)
	s.alerted = make(map[string]bool, len(snap.Alerts))
	for _, a := range snap.Alerts {
		key := string(a.Kind)
		if a.Kind == AlertSkillCap {
			key = key + ":" + a.Subject
		}
		s.alerted[key] = true
	}
}

// ClearSession tears down per-session cost state (SessionLifecycle
// clearSessionState, §4.10.1).
func (t *Tracker) ClearSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}
