package tool

import (
	"context"
	"fmt"
)

// ScheduleIntentTool backs the spec's schedule_intent always-allowed tool:
// it validates the agent's stated reason for wanting a later re-invocation
// and hands it back in Metadata for the pipeline to turn into a tape
// anchor. It does not itself schedule anything — the actual re-invocation
// is an external scheduler collaborator's job (spec §6), grounded in the
// teacher's telegram/cron_service.go split between "record the intent" and
// "the cron daemon that acts on it."
type ScheduleIntentTool struct{}

// NewScheduleIntentTool constructs the schedule_intent tool.
func NewScheduleIntentTool() *ScheduleIntentTool {
	return &ScheduleIntentTool{}
}

func (s *ScheduleIntentTool) Name() string { return "schedule_intent" }

func (s *ScheduleIntentTool) Description() string {
	return "record intent to resume this session later, for an external scheduler to act on"
}

func (s *ScheduleIntentTool) Kind() Kind { return KindThink }

func (s *ScheduleIntentTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason":       map[string]any{"type": "string"},
			"afterSeconds": map[string]any{"type": "number"},
		},
		"required": []string{"reason"},
	}
}

// Execute validates args["reason"] and echoes it (plus the optional
// afterSeconds delay) back in Metadata; ToolPipeline.Run reads Metadata to
// record the tape anchor once this call succeeds.
func (s *ScheduleIntentTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	reason, _ := args["reason"].(string)
	if reason == "" {
		return nil, fmt.Errorf("schedule_intent: missing required arg %q", "reason")
	}

	afterSeconds := 0
	if v, ok := args["afterSeconds"].(float64); ok {
		afterSeconds = int(v)
	}

	return &Result{
		Success: true,
		Output:  fmt.Sprintf("scheduled intent: %s", reason),
		Metadata: map[string]any{
			"reason":       reason,
			"afterSeconds": afterSeconds,
		},
	}, nil
}
