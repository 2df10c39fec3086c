// Package tool extends the Tool/Result/Registry abstractions with the
// ToolPipeline: admission, dispatch, and result-recording discipline that
// every tool invocation runs through (spec §4.9).
//
// Grounded on service/middleware.go's forward/reverse-order discipline
// (admission runs forward across gates; result recording unwinds across
// the same components in the opposite order they were consulted) and
// tool.go's Policy/PolicyEnforcer (kept, generalized from an allow/deny
// list into the full skill-contract gate).
package tool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brewva/brewva/internal/domain/costtracker"
	ctxdomain "github.com/brewva/brewva/internal/domain/context"
	"github.com/brewva/brewva/internal/domain/entity"
	"github.com/brewva/brewva/internal/domain/ledger"
	"github.com/brewva/brewva/internal/domain/skill"
	"github.com/brewva/brewva/internal/domain/tape"
	"github.com/brewva/brewva/internal/domain/truth"
	"github.com/brewva/brewva/internal/infrastructure/eventstore"
	"github.com/brewva/brewva/internal/infrastructure/filetracker"
)

// BlockReason categorizes why admission refused a call, for the
// tool_call_blocked event payload.
type BlockReason string

const (
	BlockSkillDenied    BlockReason = "skill_denied"
	BlockSkillNotAllowed BlockReason = "skill_not_allowed"
	BlockSkillBudget    BlockReason = "skill_budget_exceeded"
	BlockCostBudget     BlockReason = "cost_budget_exceeded"
	BlockCompactionGate BlockReason = "requires_session_compact"
)

// Invocation is everything the pipeline needs to run one tool call.
type Invocation struct {
	SessionID  string
	ToolCallID string
	ToolName   string
	SkillName  string // empty when the call isn't attributed to a skill
	Turn       int
	CWD        string
	Args       map[string]any
	AccessMode skill.AccessMode
}

// Outcome is the pipeline's verdict and, on success, the executed result.
type Outcome struct {
	Blocked     bool
	BlockReason BlockReason
	Message     string
	Result      *Result
	PatchSet    filetracker.PatchSet
	HasPatchSet bool
}

// skillCallCounter tracks maxToolCalls consumption per (session,skill).
type skillCallCounter struct {
	calls map[string]int // "session|skill" -> count
}

func newSkillCallCounter() *skillCallCounter {
	return &skillCallCounter{calls: make(map[string]int)}
}

func (c *skillCallCounter) key(sessionID, skillName string) string {
	return sessionID + "|" + skillName
}

func (c *skillCallCounter) count(sessionID, skillName string) int {
	return c.calls[c.key(sessionID, skillName)]
}

func (c *skillCallCounter) increment(sessionID, skillName string) {
	c.calls[c.key(sessionID, skillName)]++
}

// Pipeline wires a tool Registry together with every gate and side-effect
// component spec §4.9 names.
type Pipeline struct {
	log      *zap.Logger
	registry Registry
	skills   *skill.Registry
	budget   *ctxdomain.Budget
	costs    *costtracker.Tracker
	files    *filetracker.Tracker
	truth    *truth.Sync
	arena    *ctxdomain.Arena
	events   *eventstore.Store
	evidence *ledger.Ledger
	tape     *tape.Checkpointer

	calls *skillCallCounter
}

// NewPipeline assembles a Pipeline from its component collaborators.
func NewPipeline(
	log *zap.Logger,
	registry Registry,
	skills *skill.Registry,
	budget *ctxdomain.Budget,
	costs *costtracker.Tracker,
	files *filetracker.Tracker,
	truthSync *truth.Sync,
	arena *ctxdomain.Arena,
	events *eventstore.Store,
	evidence *ledger.Ledger,
	checkpointer *tape.Checkpointer,
) *Pipeline {
	return &Pipeline{
		log:      log,
		registry: registry,
		skills:   skills,
		budget:   budget,
		costs:    costs,
		files:    files,
		truth:    truthSync,
		arena:    arena,
		events:   events,
		evidence: evidence,
		tape:     checkpointer,
		calls:    newSkillCallCounter(),
	}
}

func (p *Pipeline) recordEvent(sessionID string, turn int, typ entity.EventType, payload map[string]any) {
	if p.events == nil {
		return
	}
	t := turn
	if err := p.events.Append(entity.Event{
		SessionID: sessionID,
		Type:      typ,
		Timestamp: time.Now(),
		Turn:      &t,
		Payload:   payload,
	}); err != nil {
		p.log.Warn("event append failed", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	if p.tape != nil {
		p.tape.OnEventAppended(sessionID, turn)
	}
}

// admit runs step 1 of the pipeline: skill policy, skill budgets, cost
// budget, and the compaction gate. Always-allowed lifecycle tools bypass
// the skill-policy portion but still face the cost/compaction gates.
func (p *Pipeline) admit(inv Invocation) (bool, BlockReason, string) {
	alwaysAllowed := entity.AlwaysAllowedTools[inv.ToolName]

	if !alwaysAllowed && inv.SkillName != "" && p.skills != nil {
		access := p.skills.CheckAccess(inv.SkillName, inv.ToolName, inv.AccessMode)
		if !access.Allowed {
			return false, p.blockReasonForAccess(inv), access.Reason
		}
		if access.Warn {
			p.recordEvent(inv.SessionID, inv.Turn, entity.EventToolContractWarning, map[string]any{
				"tool": inv.ToolName, "skill": inv.SkillName, "reason": access.Reason,
			})
		}
		if contract, ok := p.skills.Get(inv.SkillName); ok && contract.Budget.MaxToolCalls > 0 {
			if p.calls.count(inv.SessionID, inv.SkillName) >= contract.Budget.MaxToolCalls {
				return false, BlockSkillBudget, fmt.Sprintf("skill %q exceeded maxToolCalls=%d", inv.SkillName, contract.Budget.MaxToolCalls)
			}
		}
	}

	if p.costs != nil {
		status := p.costs.Status(inv.SessionID)
		if status.Blocked {
			return false, BlockCostBudget, status.Reason
		}
	}

	if p.budget != nil {
		gate := p.budget.CheckToolGate(inv.SessionID, inv.ToolName, entity.AlwaysAllowedTools)
		if !gate.Allowed {
			return false, BlockCompactionGate, gate.Reason
		}
	}

	return true, "", ""
}

func (p *Pipeline) blockReasonForAccess(inv Invocation) BlockReason {
	if contract, ok := p.skills.Get(inv.SkillName); ok {
		for _, d := range contract.Tools.Denied {
			if d == inv.ToolName {
				return BlockSkillDenied
			}
		}
	}
	return BlockSkillNotAllowed
}

// SetArena swaps the Arena results are injected into. Sessions each keep
// their own Arena (session.Manager.Arena); callers driving multiple
// sessions through one Pipeline point it at the right one before Run.
func (p *Pipeline) SetArena(arena *ctxdomain.Arena) {
	p.arena = arena
}

// Run executes the full pipeline for one tool invocation: admission,
// before-snapshot, dispatch, result recording, and injection side-effects.
func (p *Pipeline) Run(ctx context.Context, inv Invocation) Outcome {
	if ok, reason, msg := p.admit(inv); !ok {
		p.recordEvent(inv.SessionID, inv.Turn, entity.EventToolCallBlocked, map[string]any{
			"tool": inv.ToolName, "reason": string(reason), "message": msg,
		})
		return Outcome{Blocked: true, BlockReason: reason, Message: msg}
	}

	mutating := p.files != nil && p.files.IsMutating(inv.ToolName)
	if mutating {
		p.files.CaptureBeforeToolCall(inv.SessionID, inv.ToolCallID, inv.ToolName, inv.CWD, inv.Args)
	}

	t, ok := p.registry.Get(inv.ToolName)
	if !ok {
		msg := fmt.Sprintf("tool %q not registered", inv.ToolName)
		p.recordEvent(inv.SessionID, inv.Turn, entity.EventToolExecutionError, map[string]any{"tool": inv.ToolName, "error": msg})
		return Outcome{Blocked: true, BlockReason: BlockSkillDenied, Message: msg}
	}

	result, err := t.Execute(ctx, inv.Args)
	if inv.SkillName != "" {
		p.calls.increment(inv.SessionID, inv.SkillName)
	}
	if p.costs != nil {
		p.costs.RecordToolCall(inv.SessionID, inv.ToolName, inv.Turn)
	}

	if err != nil {
		p.recordEvent(inv.SessionID, inv.Turn, entity.EventToolExecutionError, map[string]any{
			"tool": inv.ToolName, "error": err.Error(),
		})
		return Outcome{Result: &Result{Success: false, Error: err.Error()}}
	}

	p.recordResult(inv, result)

	var ps filetracker.PatchSet
	hasPatch := false
	if mutating && result.Success && p.files != nil {
		ps, hasPatch, err = p.files.CompleteToolCall(inv.SessionID, inv.ToolCallID, result.Success, result.DisplayOrOutput())
		if err != nil {
			p.log.Warn("patchset completion failed", zap.String("tool", inv.ToolName), zap.Error(err))
		} else if hasPatch {
			p.recordEvent(inv.SessionID, inv.Turn, entity.EventPatchRecorded, map[string]any{"patchSetId": ps.ID})
		}
	}

	p.syncTruthAndInjections(inv, result)

	if inv.ToolName == "schedule_intent" && result.Success && p.tape != nil {
		reason, _ := result.Metadata["reason"].(string)
		p.tape.RecordAnchor(inv.SessionID, inv.Turn, reason)
	}

	return Outcome{Result: result, PatchSet: ps, HasPatchSet: hasPatch}
}

// recordResult implements step 4's EventStore/Ledger half: tool_result
// event plus an evidence row.
func (p *Pipeline) recordResult(inv Invocation, result *Result) {
	verdict := ledger.VerdictUnknown
	if result != nil {
		if result.Success {
			verdict = ledger.VerdictSuccess
		} else {
			verdict = ledger.VerdictFailure
		}
	}

	p.recordEvent(inv.SessionID, inv.Turn, entity.EventToolResultRecorded, map[string]any{
		"tool": inv.ToolName, "success": result.Success,
	})

	if p.evidence == nil {
		return
	}
	row := ledger.Row{
		SessionID:     inv.SessionID,
		Turn:          inv.Turn,
		Tool:          inv.ToolName,
		OutputSummary: truncateForEvidence(result.DisplayOrOutput()),
		Verdict:       verdict,
		Skill:         inv.SkillName,
		CreatedAt:     time.Now(),
	}
	if _, err := p.evidence.Append(row); err != nil {
		p.log.Warn("ledger append failed", zap.String("tool", inv.ToolName), zap.Error(err))
	}
}

func truncateForEvidence(s string) string {
	const maxLen = 2000
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// syncTruthAndInjections implements step 4's TruthSync half and step 5:
// derive/resolve facts from command-style tool results, then append any
// resulting tool-failure or truth injections to the arena.
func (p *Pipeline) syncTruthAndInjections(inv Invocation, result *Result) {
	if p.truth == nil || result == nil {
		return
	}
	if inv.ToolName != "bash" && inv.ToolName != "exec" && inv.ToolName != "shell" {
		return
	}

	command, _ := inv.Args["command"].(string)
	exitCode := 0
	if v, ok := result.Metadata["exitCode"].(int); ok {
		exitCode = v
	}
	itemID, _ := inv.Args["taskItemId"].(string)

	before := make(map[string]truth.Fact, len(p.truth.Facts.Active(inv.SessionID)))
	for _, f := range p.truth.Facts.Active(inv.SessionID) {
		before[f.ID] = f
	}

	p.truth.RecordCommandResult(inv.SessionID, command, result.Success, exitCode, result.Output, inv.ToolCallID, itemID)

	active := p.truth.Facts.Active(inv.SessionID)
	activeByID := make(map[string]bool, len(active))
	for _, f := range active {
		activeByID[f.ID] = true
		if prior, ok := before[f.ID]; !ok || prior.LastSeenAt != f.LastSeenAt {
			p.recordEvent(inv.SessionID, inv.Turn, entity.EventTruthEvent, map[string]any{"fact": f})
		}
	}
	for id, f := range before {
		if !activeByID[id] {
			f.Status = truth.FactResolved
			p.recordEvent(inv.SessionID, inv.Turn, entity.EventTruthEvent, map[string]any{"fact": f})
		}
	}

	if p.arena == nil {
		return
	}
	for _, f := range active {
		p.arena.Append(ctxdomain.Entry{
			Key:       ctxdomain.Key{Source: "truth", ID: f.ID},
			Zone:      ctxdomain.ZoneToolFailures,
			Priority:  ctxdomain.PriorityHigh,
			Content:   fmt.Sprintf("[%s] %s: %s", f.Severity, f.Summary, f.Details),
			Timestamp: f.LastSeenAt,
		})
	}
}
