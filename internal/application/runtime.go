// Package application assembles the runtime's component graph: the
// composition root cmd/cli wires up before driving a session.
//
// Grounded in app.go's staged-initializer idiom (one method per concern,
// a single struct holding every collaborator), narrowed from the
// teacher's full gateway (HTTP/Telegram/gRPC/sandbox/MCP) down to the
// core this spec actually names.
package application

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brewva/brewva/internal/domain/costtracker"
	ctxdomain "github.com/brewva/brewva/internal/domain/context"
	"github.com/brewva/brewva/internal/domain/entity"
	"github.com/brewva/brewva/internal/domain/ledger"
	"github.com/brewva/brewva/internal/domain/memory"
	"github.com/brewva/brewva/internal/domain/session"
	"github.com/brewva/brewva/internal/domain/skill"
	"github.com/brewva/brewva/internal/domain/tape"
	"github.com/brewva/brewva/internal/domain/tool"
	"github.com/brewva/brewva/internal/domain/truth"
	"github.com/brewva/brewva/internal/infrastructure/config"
	"github.com/brewva/brewva/internal/infrastructure/eventstore"
	"github.com/brewva/brewva/internal/infrastructure/exectool"
	"github.com/brewva/brewva/internal/infrastructure/filetracker"
)

// Runtime wires every domain component in SPEC_FULL.md §1 together over
// one workspace root, plus the session.Manager that coordinates their
// per-session hydration/teardown lifecycle.
type Runtime struct {
	Workspace     string
	ContextWindow int

	Events   *eventstore.Store
	Ledger   *ledger.Ledger
	Files    *filetracker.Tracker
	Skills   *skill.Registry
	Budget   *ctxdomain.Budget
	Costs    *costtracker.Tracker
	Memory   *memory.Store
	Truth    *truth.Sync
	Tape     *tape.Checkpointer
	Tools    *tool.InMemoryRegistry
	Pipeline *tool.Pipeline
	Sessions *session.Manager

	AccessMode skill.AccessMode

	log            *zap.Logger
	stopSkillWatch context.CancelFunc
}

// Close releases background resources (the skill hot-reload watcher).
func (rt *Runtime) Close() {
	if rt.stopSkillWatch != nil {
		rt.stopSkillWatch()
	}
}

// NewRuntime builds a Runtime rooted at workspace, per cfg.
func NewRuntime(cfg *config.Config, workspace string, log *zap.Logger) (*Runtime, error) {
	events, err := eventstore.New(filepath.Join(workspace, "events"), log)
	if err != nil {
		return nil, fmt.Errorf("event store: %w", err)
	}
	led, err := ledger.New(filepath.Join(workspace, "ledger", "evidence.jsonl"), log)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	files := filetracker.New(workspace, filepath.Join(workspace, "snapshots"), log)

	skillRoots := skill.Roots{
		Base:    filepath.Join(config.HomeDir(), "skills"),
		Project: filepath.Join(workspace, ".brewva", "skills"),
	}
	skills := skill.New(skillRoots, cfg.Skills.Disabled, log)
	if err := skills.Refresh(); err != nil {
		log.Warn("skill discovery failed, continuing with an empty registry", zap.Error(err))
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	if watcher, err := skill.NewWatcher(skills, skillRoots, log); err != nil {
		log.Warn("skill hot-reload disabled", zap.Error(err))
		stopWatch()
	} else {
		watcher.Start(watchCtx)
	}

	arenaCfg := ctxdomain.DefaultArenaConfig()
	budgetCfg := ctxdomain.DefaultBudgetConfig()
	budgetCfg.CompactionThresholdPercent = cfg.Guardrails.WarnRatio
	budgetCfg.HardLimitPercent = cfg.Guardrails.HardRatio
	budget := ctxdomain.NewBudget(budgetCfg, log)

	costs := costtracker.New(costtracker.Config{
		MaxCostUSDPerSession: cfg.CostGuard.MaxCostUSDPerSession,
		MaxCostUSDPerSkill:   cfg.CostGuard.MaxCostUSDPerSkill,
		AlertThresholdRatio:  cfg.CostGuard.AlertThresholdRatio,
	}, log)

	mem, err := memory.New(filepath.Join(workspace, "memory"))
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	truthSync := truth.NewSync()

	checkpointer := tape.New(tape.Config{
		CheckpointIntervalEntries: cfg.Tape.CheckpointIntervalEntries,
	}, events, costs, led, log)

	registry := tool.NewInMemoryRegistry()
	if err := registry.Register(exectool.New(exectool.Config{
		WorkDir: workspace,
		Timeout: cfg.Runtime.ToolTimeout,
	}, log)); err != nil {
		return nil, fmt.Errorf("register bash tool: %w", err)
	}
	if err := registry.Register(tool.NewScheduleIntentTool()); err != nil {
		return nil, fmt.Errorf("register schedule_intent tool: %w", err)
	}

	pipeline := tool.NewPipeline(log, registry, skills, budget, costs, files, truthSync, nil, events, led, checkpointer)

	sessions := session.NewManager(session.Deps{
		Events: events, Costs: costs, Budget: budget, Memory: mem,
		Truth: truthSync, Files: files, Ledger: led, Tape: checkpointer,
		ArenaCfg: arenaCfg,
	}, log)

	contextWindow := cfg.Guardrails.ContextMaxTokens
	if contextWindow <= 0 {
		contextWindow = 150_000
	}

	return &Runtime{
		Workspace:     workspace,
		ContextWindow: contextWindow,
		Events:        events,
		Ledger:        led,
		Files:         files,
		Skills:        skills,
		Budget:        budget,
		Costs:         costs,
		Memory:        mem,
		Truth:         truthSync,
		Tape:          checkpointer,
		Tools:         registry,
		Pipeline:      pipeline,
		Sessions:      sessions,

		AccessMode:     skill.AccessMode(cfg.Skills.AccessMode),
		log:            log,
		stopSkillWatch: stopWatch,
	}, nil
}

// PlanContext runs the session's Arena.Plan for this turn (spec §4.5) and
// feeds its outcome into Budget.ObserveUsage (§4.6), emitting the
// context_injected/context_injection_dropped/context_compaction_requested/
// context_arena_floor_unmet_unrecoverable events the plan implies. This is
// the gate's only source of real pressure: without it Budget.CheckToolGate
// never sees anything but a zero-usage session.
func (rt *Runtime) PlanContext(sessionID string, turn int) ctxdomain.PlanResult {
	arena := rt.Sessions.Arena(sessionID)
	plan := arena.Plan(rt.ContextWindow, ctxdomain.PlanOptions{})

	for _, a := range plan.Accepted {
		rt.recordEvent(sessionID, turn, entity.EventContextInjected, map[string]any{
			"zone": a.Zone, "source": a.Key.Source, "tokens": a.Tokens,
		})
	}
	for zone, demand := range plan.ZoneDemand {
		if accepted := plan.ZoneAccepted[zone]; demand > accepted {
			rt.recordEvent(sessionID, turn, entity.EventContextInjectionDropped, map[string]any{
				"zone": zone, "demand": demand, "accepted": accepted,
			})
		}
	}
	if plan.FloorUnmet {
		rt.recordEvent(sessionID, turn, entity.EventContextArenaFloorUnmetUnrecoverable, map[string]any{
			"relaxedZones": plan.AppliedFloorRelaxation,
		})
	}

	total := 0
	for _, tokens := range plan.ZoneAccepted {
		total += tokens
	}
	pressure := rt.Budget.ObserveUsage(sessionID, ctxdomain.Usage{Tokens: total, ContextWindow: rt.ContextWindow})

	if plan.RequestCompaction || pressure == ctxdomain.PressureCritical {
		rt.recordEvent(sessionID, turn, entity.EventContextCompactionRequested, map[string]any{
			"pressure": pressure,
		})
	}

	return plan
}

func (rt *Runtime) recordEvent(sessionID string, turn int, typ entity.EventType, payload map[string]any) {
	t := turn
	if err := rt.Events.Append(entity.Event{
		SessionID: sessionID,
		Type:      typ,
		Timestamp: time.Now(),
		Turn:      &t,
		Payload:   payload,
	}); err != nil {
		rt.log.Warn("event append failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

// RunInvocation plans this turn's context (Arena/Budget), then executes one
// tool call through the pipeline, routing it through the session's
// per-session Arena so injected truth facts and tool-failure notices land
// in the right place.
func (rt *Runtime) RunInvocation(ctx context.Context, sessionID string, turn int, toolName, skillName, cwd string, args map[string]any) tool.Outcome {
	rt.Pipeline.SetArena(rt.Sessions.Arena(sessionID))
	rt.PlanContext(sessionID, turn)
	return rt.Pipeline.Run(ctx, tool.Invocation{
		SessionID: sessionID, ToolCallID: uuid.New().String(), ToolName: toolName,
		SkillName: skillName, Turn: turn, CWD: cwd, Args: args,
		AccessMode: rt.AccessMode,
	})
}
