package context

import "testing"

func newTestArena() *Arena {
	cfg := DefaultArenaConfig()
	return NewArena(cfg, NewSimpleTokenizer())
}

// S1 — Plan last-write-wins: appending the same key twice, the plan carries
// only the latest content.
func TestArena_PlanLastWriteWins(t *testing.T) {
	a := newTestArena()
	key := Key{Source: "brewva.truth-facts", ID: "tf"}

	a.Append(Entry{Key: key, Zone: ZoneTruth, Priority: PriorityHigh, Content: "old"})
	a.Append(Entry{Key: key, Zone: ZoneTruth, Priority: PriorityHigh, Content: "new"})

	result := a.Plan(10_000, PlanOptions{})
	if len(result.Accepted) != 1 {
		t.Fatalf("expected exactly one accepted entry, got %d", len(result.Accepted))
	}
	if result.Accepted[0].Content != "new" {
		t.Fatalf("expected latest content %q, got %q", "new", result.Accepted[0].Content)
	}
}

// S2 — Floor relaxation: two zones with larger floors than a tiny total
// budget can satisfy; floorUnmet=true and memory_recall appears in the
// relaxation trail.
func TestArena_FloorRelaxation(t *testing.T) {
	cfg := DefaultArenaConfig()
	cfg.Zones[ZoneToolFailures] = ZoneConfig{Budget: ZoneBudget{Min: 80, Max: 80}, Truncation: TruncateDropEntry}
	cfg.Zones[ZoneMemoryRecall] = ZoneConfig{Budget: ZoneBudget{Min: 80, Max: 80}, Truncation: TruncateDropEntry}
	a := NewArena(cfg, NewSimpleTokenizer())

	big := make([]byte, 400)
	for i := range big {
		big[i] = 'x'
	}
	a.Append(Entry{Key: Key{Source: "failures", ID: "1"}, Zone: ZoneToolFailures, Priority: PriorityNormal, Content: string(big)})
	a.Append(Entry{Key: Key{Source: "recall", ID: "1"}, Zone: ZoneMemoryRecall, Priority: PriorityNormal, Content: string(big)})

	result := a.Plan(100, PlanOptions{})
	if len(result.Accepted) == 0 {
		t.Fatal("expected a non-empty plan under relaxation")
	}
	if !result.FloorUnmet {
		t.Fatal("expected floorUnmet=true")
	}
	foundRecall := false
	for _, z := range result.AppliedFloorRelaxation {
		if z == ZoneMemoryRecall {
			foundRecall = true
		}
	}
	if !foundRecall {
		t.Fatalf("expected memory_recall in appliedFloorRelaxation, got %v", result.AppliedFloorRelaxation)
	}
}

// Universal invariant #2: total and per-zone budgets are never exceeded.
func TestArena_PlanRespectsZoneAndGlobalBudgets(t *testing.T) {
	a := newTestArena()
	for i := 0; i < 20; i++ {
		a.Append(Entry{
			Key:      Key{Source: "memory_working", ID: string(rune('a' + i))},
			Zone:     ZoneMemoryWorking,
			Priority: PriorityNormal,
			Content:  "some working memory content that takes a handful of tokens to encode",
		})
	}
	result := a.Plan(5000, PlanOptions{DisableAdaptiveZones: true})

	zoneMax := DefaultZoneConfigs()[ZoneMemoryWorking].Budget.Max
	if result.ZoneAccepted[ZoneMemoryWorking] > zoneMax {
		t.Fatalf("zone budget exceeded: %d > %d", result.ZoneAccepted[ZoneMemoryWorking], zoneMax)
	}
	total := 0
	for _, tok := range result.ZoneAccepted {
		total += tok
	}
	if total > 5000 {
		t.Fatalf("global budget exceeded: %d > 5000", total)
	}
}

// Boundary: zero-budget plan with no positive-min zones yields an empty,
// non-floor-unmet plan.
func TestArena_ZeroBudgetPlanIsEmpty(t *testing.T) {
	cfg := DefaultArenaConfig()
	for z, zc := range cfg.Zones {
		zc.Budget.Min = 0
		cfg.Zones[z] = zc
	}
	a := NewArena(cfg, NewSimpleTokenizer())
	a.Append(Entry{Key: Key{Source: "s", ID: "1"}, Zone: ZoneMemoryWorking, Priority: PriorityNormal, Content: "hello world"})

	result := a.Plan(0, PlanOptions{})
	if len(result.Accepted) != 0 {
		t.Fatalf("expected no accepted entries at zero budget, got %d", len(result.Accepted))
	}
	if result.FloorUnmet {
		t.Fatal("expected floorUnmet=false when no zone has a positive min")
	}
}

// Boundary: at maxEntriesPerSession with drop_recall, an incoming recall
// entry with nothing older to evict is rejected outright.
func TestArena_AppendSLODropRecallRejectsIncoming(t *testing.T) {
	cfg := DefaultArenaConfig()
	cfg.MaxEntriesPerSession = 2
	cfg.SLOPolicy = SLODropRecall
	a := NewArena(cfg, NewSimpleTokenizer())

	a.Append(Entry{Key: Key{Source: "identity", ID: "1"}, Zone: ZoneIdentity, Priority: PriorityCritical, Content: "id"})
	a.Append(Entry{Key: Key{Source: "truth", ID: "1"}, Zone: ZoneTruth, Priority: PriorityCritical, Content: "truth"})

	res := a.Append(Entry{Key: Key{Source: "recall", ID: "1"}, Zone: ZoneMemoryRecall, Priority: PriorityLow, Content: "recall"})
	if res.Accepted {
		t.Fatal("expected incoming recall entry to be rejected")
	}
	if res.SLOEnforced == nil || res.SLOEnforced.Policy != SLODropRecall {
		t.Fatalf("expected sloEnforced.policy=drop_recall, got %+v", res.SLOEnforced)
	}
}

// commit(consumedKeys) followed by an immediate replan with no new appends
// yields an empty plan for once-per-session entries.
func TestArena_CommitOncePerSessionExcludesFromReplan(t *testing.T) {
	a := newTestArena()
	key := Key{Source: "rag", ID: "1"}
	a.Append(Entry{Key: key, Zone: ZoneRAGExternal, Priority: PriorityNormal, Content: "external hit", OncePerSession: true})

	first := a.Plan(10_000, PlanOptions{})
	if len(first.Accepted) != 1 {
		t.Fatalf("expected first plan to include the entry, got %d", len(first.Accepted))
	}
	a.Commit(first.ConsumedKeys)

	second := a.Plan(10_000, PlanOptions{})
	for _, e := range second.Accepted {
		if e.Key == key {
			t.Fatal("expected once-per-session entry to be excluded from replan after commit")
		}
	}
}

func TestArena_ForceCriticalOnly(t *testing.T) {
	a := newTestArena()
	a.Append(Entry{Key: Key{Source: "identity", ID: "1"}, Zone: ZoneIdentity, Priority: PriorityCritical, Content: "id"})
	a.Append(Entry{Key: Key{Source: "recall", ID: "1"}, Zone: ZoneMemoryRecall, Priority: PriorityNormal, Content: "recall content"})

	result := a.Plan(10_000, PlanOptions{ForceCriticalOnly: true})
	if !result.StabilityForced {
		t.Fatal("expected stabilityForced=true")
	}
	for _, e := range result.Accepted {
		if e.Zone == ZoneMemoryRecall {
			t.Fatal("expected non-critical zones to be excluded under forceCriticalOnly")
		}
	}
}

func TestAdaptiveController_RebalanceShiftsFromIdleToTruncated(t *testing.T) {
	base := map[Zone]ZoneConfig{
		ZoneToolFailures:  {Budget: ZoneBudget{Max: 1000}},
		ZoneMemoryWorking: {Budget: ZoneBudget{Max: 1000}},
	}
	cfg := DefaultAdaptiveConfig()
	cfg.MinTurnsBeforeAdapt = 1
	ctrl := NewAdaptiveController(cfg, base)

	for i := 0; i < 3; i++ {
		ctrl.Observe(ZoneToolFailures, 1000, 500) // heavily truncated
		ctrl.Observe(ZoneMemoryWorking, 100, 0)   // mostly idle
		ctrl.Rebalance()
	}

	snap := ctrl.Snapshot()
	if snap[ZoneToolFailures].CurrentMax <= 1000 {
		t.Fatalf("expected truncated zone's max to grow, got %d", snap[ZoneToolFailures].CurrentMax)
	}
	if snap[ZoneMemoryWorking].CurrentMax >= 1000 {
		t.Fatalf("expected idle zone's max to shrink, got %d", snap[ZoneMemoryWorking].CurrentMax)
	}
}
