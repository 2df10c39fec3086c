package context

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ArenaConfig is the static configuration for one Arena instance.
type ArenaConfig struct {
	Zones               map[Zone]ZoneConfig
	Adaptive            AdaptiveConfig
	MaxEntriesPerSession int
	SLOPolicy            SLOPolicy
	FloorRelax           FloorRelaxConfig
}

// DefaultArenaConfig mirrors DefaultPruneConfig's "sane defaults,
// overridable" idiom.
func DefaultArenaConfig() ArenaConfig {
	return ArenaConfig{
		Zones:                DefaultZoneConfigs(),
		Adaptive:             DefaultAdaptiveConfig(),
		MaxEntriesPerSession: 500,
		SLOPolicy:            SLODropLowPriority,
		FloorRelax:           DefaultFloorRelaxConfig(),
	}
}

// Arena is the per-session, zone-partitioned injection planner (spec §4.5).
// Not safe for cross-session sharing — one Arena per session, per the
// teacher's session-local guard pattern.
type Arena struct {
	cfg       ArenaConfig
	tokenizer Tokenizer

	mu             sync.Mutex
	activeBySourceID map[Key]Entry
	appendHistory  []Entry
	onceKeys       map[Key]bool
	epoch          int
	presentedKeys  map[Key]bool
	adaptive       *AdaptiveController
	turn           int
}

const appendHistoryCap = 1000

// NewArena creates an empty arena. tokenizer defaults to
// NewSimpleTokenizer() when nil. Arena.Plan is pure CPU per the
// concurrency model (§5) — summarize truncation always produces a cheap
// stub, never an LLM call; LLM-backed summarization belongs to the
// session_compact tool, not the planner.
func NewArena(cfg ArenaConfig, tokenizer Tokenizer) *Arena {
	if tokenizer == nil {
		tokenizer = NewSimpleTokenizer()
	}
	return &Arena{
		cfg:              cfg,
		tokenizer:        tokenizer,
		activeBySourceID: make(map[Key]Entry),
		onceKeys:         make(map[Key]bool),
		presentedKeys:    make(map[Key]bool),
		adaptive:         NewAdaptiveController(cfg.Adaptive, cfg.Zones),
	}
}

// Append inserts or replaces the latest entry for entry.Key, enforcing the
// SLO degradation policy (§4.5.3) when MaxEntriesPerSession is exceeded.
func (a *Arena) Append(entry Entry) AppendResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry.Tokens == 0 && entry.Content != "" {
		entry.Tokens = a.tokenizer.Count(entry.Content)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	_, replacing := a.activeBySourceID[entry.Key]
	entriesBefore := len(a.activeBySourceID)

	var enforcement *SLOEnforcement
	if !replacing && entriesBefore >= a.cfg.MaxEntriesPerSession {
		enforcement = a.enforceSLO(entry)
	}

	// drop_recall/drop_low_priority reject the incoming entry outright when
	// there was nothing eligible to evict in its place.
	accepted := true
	if enforcement != nil && enforcement.Policy != SLOForceCompact && len(enforcement.Dropped) == 0 {
		accepted = false
	}

	if accepted {
		a.activeBySourceID[entry.Key] = entry
		a.appendHistory = append(a.appendHistory, entry)
		if len(a.appendHistory) > appendHistoryCap {
			a.appendHistory = a.appendHistory[len(a.appendHistory)-appendHistoryCap:]
		}
	}

	if enforcement != nil {
		enforcement.EntriesAfter = len(a.activeBySourceID)
	}

	return AppendResult{Accepted: accepted, SLOEnforced: enforcement}
}

func contains(items []string, s string) bool {
	for _, i := range items {
		if i == s {
			return true
		}
	}
	return false
}

// enforceSLO applies cfg.SLOPolicy when the active map is at capacity.
// Caller holds a.mu.
func (a *Arena) enforceSLO(incoming Entry) *SLOEnforcement {
	before := len(a.activeBySourceID)
	enf := &SLOEnforcement{Policy: a.cfg.SLOPolicy, EntriesBefore: before}

	switch a.cfg.SLOPolicy {
	case SLODropRecall:
		if incoming.Zone == ZoneMemoryRecall || incoming.Zone == ZoneRAGExternal {
			return enf // reject incoming; nothing evicted
		}
		if k, ok := a.oldestLowPriorityRecall(); ok {
			delete(a.activeBySourceID, k)
			enf.Dropped = []Key{k}
		}
	case SLODropLowPriority:
		k, lowestPriority, ok := a.lowestPriorityActive()
		if !ok {
			return enf
		}
		if incoming.Priority >= lowestPriority {
			return enf // incoming isn't strictly higher priority; reject it
		}
		delete(a.activeBySourceID, k)
		enf.Dropped = []Key{k}
	case SLOForceCompact:
		for k := range a.activeBySourceID {
			enf.Dropped = append(enf.Dropped, k)
		}
		a.activeBySourceID = make(map[Key]Entry)
	}
	return enf
}

func (a *Arena) oldestLowPriorityRecall() (Key, bool) {
	var best Key
	var bestTime time.Time
	found := false
	for k, e := range a.activeBySourceID {
		if e.Zone != ZoneMemoryRecall && e.Zone != ZoneRAGExternal {
			continue
		}
		if !found || e.Timestamp.Before(bestTime) {
			best, bestTime, found = k, e.Timestamp, true
		}
	}
	return best, found
}

func (a *Arena) lowestPriorityActive() (Key, Priority, bool) {
	var best Key
	var bestPriority Priority = -1
	found := false
	for k, e := range a.activeBySourceID {
		if !found || e.Priority > bestPriority {
			best, bestPriority, found = k, e.Priority, true
		}
	}
	return best, bestPriority, found
}

// ResetEpoch bumps the epoch counter, e.g. after a compaction; clears
// presented tracking but leaves once-per-session exclusions and
// activeBySourceID untouched.
func (a *Arena) ResetEpoch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epoch++
	a.presentedKeys = make(map[Key]bool)
}

// Commit marks keys as presented and, for once-per-session entries, records
// them so future plans exclude them.
func (a *Arena) Commit(keys []Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keys {
		a.presentedKeys[k] = true
		if e, ok := a.activeBySourceID[k]; ok && e.OncePerSession {
			a.onceKeys[k] = true
		}
	}
}

// Plan runs the allocation algorithm described in spec §4.5 steps 1-6.
func (a *Arena) Plan(totalTokenBudget int, opts PlanOptions) PlanResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turn++

	candidates := a.collectCandidatesLocked(opts)
	zoneBudgets := a.computeZoneBudgetsLocked(opts)

	result := PlanResult{
		ZoneDemand:    map[Zone]int{},
		ZoneAllocated: map[Zone]int{},
		ZoneAccepted:  map[Zone]int{},
	}
	for z, cs := range candidates {
		for _, c := range cs {
			result.ZoneDemand[z] += c.Tokens
		}
	}

	if opts.ForceCriticalOnly {
		result = a.allocateCriticalOnly(candidates, totalTokenBudget)
		result.StabilityForced = true
		return result
	}

	accepted, globalSpend, zoneAccepted, zoneDropped := a.allocateZones(candidates, zoneBudgets, totalTokenBudget)
	_ = globalSpend

	floorUnmet, unmetZones := a.detectFloorUnmet(zoneBudgets, zoneAccepted, candidates)
	relaxed := []Zone(nil)
	if floorUnmet {
		relaxedAccepted, relaxedZones, degradation := a.applyFloorRelaxation(candidates, zoneBudgets, totalTokenBudget, unmetZones)
		if relaxedAccepted != nil {
			accepted = relaxedAccepted
			relaxed = relaxedZones
			result.DegradationApplied = degradation
			if degradation == "critical_only" && a.cfg.FloorRelax.RequestCompaction {
				result.RequestCompaction = true
			}
		}
	}

	for z, budget := range zoneBudgets {
		result.ZoneAllocated[z] = budget.Max
	}
	for z, tok := range zoneAccepted {
		result.ZoneAccepted[z] = tok
	}

	if !opts.DisableAdaptiveZones && opts.StrategyArm != ArmHybrid && opts.StrategyArm != ArmPassthrough {
		for z := range a.cfg.Zones {
			a.adaptive.Observe(z, zoneAccepted[z], zoneDropped[z])
		}
		a.adaptive.Rebalance()
		result.ZoneAdaptation = a.adaptive.Snapshot()
	} else {
		result.AdaptiveZonesDisabled = true
	}

	var consumed []Key
	var joinedParts []string
	for _, z := range ZoneOrder {
		for _, e := range accepted[z] {
			consumed = append(consumed, e.Key)
			joinedParts = append(joinedParts, e.Content)
		}
	}
	for _, z := range ZoneOrder {
		result.Accepted = append(result.Accepted, accepted[z]...)
	}
	result.Joined = strings.Join(joinedParts, "\n\n")
	result.ConsumedKeys = consumed
	result.FloorUnmet = floorUnmet
	result.AppliedFloorRelaxation = relaxed

	for _, k := range consumed {
		a.presentedKeys[k] = true
		if e, ok := a.activeBySourceID[k]; ok && e.OncePerSession {
			a.onceKeys[k] = true
		}
	}

	return result
}

// collectCandidatesLocked snapshots active entries, drops disabled zones
// (unless critical-priority-in-critical-zone), and sorts within zone by
// (priority asc, timestamp asc). Caller holds a.mu.
func (a *Arena) collectCandidatesLocked(opts PlanOptions) map[Zone][]Entry {
	out := make(map[Zone][]Entry)
	for _, e := range a.activeBySourceID {
		if a.onceKeys[e.Key] {
			continue
		}
		zc, known := a.cfg.Zones[e.Zone]
		if known && zc.Budget.Max == 0 {
			if !(criticalZones[e.Zone] && e.Priority == PriorityCritical) {
				continue
			}
		}
		out[e.Zone] = append(out[e.Zone], e)
	}
	for z := range out {
		sort.Slice(out[z], func(i, j int) bool {
			if out[z][i].Priority != out[z][j].Priority {
				return out[z][i].Priority < out[z][j].Priority
			}
			return out[z][i].Timestamp.Before(out[z][j].Timestamp)
		})
	}
	return out
}

// computeZoneBudgetsLocked implements step 3 of Plan.
func (a *Arena) computeZoneBudgetsLocked(opts PlanOptions) map[Zone]ZoneBudget {
	out := make(map[Zone]ZoneBudget, len(a.cfg.Zones))
	useStatic := opts.DisableAdaptiveZones || opts.StrategyArm == ArmHybrid || opts.StrategyArm == ArmPassthrough
	for z, zc := range a.cfg.Zones {
		if useStatic {
			out[z] = zc.Budget
			continue
		}
		out[z] = ZoneBudget{Min: zc.Budget.Min, Max: a.adaptive.CurrentMax(z)}
	}
	return out
}

// allocateZones implements step 4 of Plan: greedy per-zone acceptance with
// the configured truncation strategy.
func (a *Arena) allocateZones(candidates map[Zone][]Entry, budgets map[Zone]ZoneBudget, totalBudget int) (accepted map[Zone][]AcceptedEntry, globalSpend int, zoneAccepted, zoneDropped map[Zone]int) {
	accepted = make(map[Zone][]AcceptedEntry)
	zoneAccepted = make(map[Zone]int)
	zoneDropped = make(map[Zone]int)

	for _, z := range ZoneOrder {
		cs := candidates[z]
		budget := budgets[z]
		zc := a.cfg.Zones[z]
		zoneSpend := 0
		truncatedOnce := false

		for _, e := range cs {
			if truncatedOnce && zc.Truncation == TruncateTail {
				zoneDropped[z] += e.Tokens
				continue
			}
			remainingZone := budget.Max - zoneSpend
			remainingGlobal := totalBudget - globalSpend
			fits := e.Tokens <= remainingZone && e.Tokens <= remainingGlobal

			if fits {
				accepted[z] = append(accepted[z], AcceptedEntry{Key: e.Key, Zone: z, Content: e.Content, Tokens: e.Tokens})
				zoneSpend += e.Tokens
				globalSpend += e.Tokens
				zoneAccepted[z] += e.Tokens
				continue
			}

			switch zc.Truncation {
			case TruncateDropEntry:
				zoneDropped[z] += e.Tokens
			case TruncateSummarize:
				limit := minInt(remainingZone, remainingGlobal)
				if limit <= 0 {
					zoneDropped[z] += e.Tokens
					continue
				}
				stub := a.truncateSummarize(e, limit)
				accepted[z] = append(accepted[z], stub)
				zoneSpend += stub.Tokens
				globalSpend += stub.Tokens
				zoneAccepted[z] += stub.Tokens
				zoneDropped[z] += e.Tokens - stub.Tokens
			case TruncateTail:
				limit := minInt(remainingZone, remainingGlobal)
				if limit <= 0 {
					zoneDropped[z] += e.Tokens
					truncatedOnce = true
					continue
				}
				stub := a.truncateTail(e, limit)
				accepted[z] = append(accepted[z], stub)
				zoneSpend += stub.Tokens
				globalSpend += stub.Tokens
				zoneAccepted[z] += stub.Tokens
				zoneDropped[z] += e.Tokens - stub.Tokens
				truncatedOnce = true
			default:
				zoneDropped[z] += e.Tokens
			}
		}
	}
	return accepted, globalSpend, zoneAccepted, zoneDropped
}

func (a *Arena) truncateSummarize(e Entry, limit int) AcceptedEntry {
	stub := fmt.Sprintf("[ContextTruncated] source=%s id=%s originalTokens=%d", e.Key.Source, e.Key.ID, e.Tokens)
	tokens := a.tokenizer.Count(stub)
	if tokens > limit {
		tokens = limit
	}
	return AcceptedEntry{Key: e.Key, Zone: e.Zone, Content: stub, Tokens: tokens}
}

func (a *Arena) truncateTail(e Entry, limit int) AcceptedEntry {
	content := e.Content
	if e.Tokens <= 0 {
		return AcceptedEntry{Key: e.Key, Zone: e.Zone, Content: "", Tokens: 0}
	}
	ratio := float64(limit) / float64(e.Tokens)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	cut := int(float64(len(content)) * ratio)
	if cut < 0 {
		cut = 0
	}
	if cut > len(content) {
		cut = len(content)
	}
	tail := content[len(content)-cut:]
	tokens := a.tokenizer.Count(tail)
	if tokens > limit {
		tokens = limit
	}
	return AcceptedEntry{Key: e.Key, Zone: e.Zone, Content: tail, Tokens: tokens}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// detectFloorUnmet implements step 5: a zone with min>0 whose accepted
// tokens fall short, while unconsumed candidates remain for that zone.
func (a *Arena) detectFloorUnmet(budgets map[Zone]ZoneBudget, zoneAccepted map[Zone]int, candidates map[Zone][]Entry) (bool, []Zone) {
	var unmet []Zone
	for z, b := range budgets {
		if b.Min <= 0 {
			continue
		}
		demand := 0
		for _, e := range candidates[z] {
			demand += e.Tokens
		}
		if zoneAccepted[z] < b.Min && demand > zoneAccepted[z] {
			unmet = append(unmet, z)
		}
	}
	return len(unmet) > 0, unmet
}

// applyFloorRelaxation implements §4.5.2. Caller holds a.mu.
func (a *Arena) applyFloorRelaxation(candidates map[Zone][]Entry, budgets map[Zone]ZoneBudget, totalBudget int, unmet []Zone) (map[Zone][]AcceptedEntry, []Zone, string) {
	cfg := a.cfg.FloorRelax
	if !cfg.Enabled {
		result := a.allocateCriticalOnlyMap(candidates, totalBudget)
		return result, nil, "critical_only"
	}

	relaxed := make(map[Zone]ZoneBudget, len(budgets))
	for z, b := range budgets {
		relaxed[z] = b
	}
	var touched []Zone
	for _, z := range cfg.RelaxOrder {
		if b, ok := relaxed[z]; ok {
			b.Min = 0
			relaxed[z] = b
			touched = append(touched, z)
		}
		accepted, _, zoneAccepted, _ := a.allocateZones(candidates, relaxed, totalBudget)
		stillUnmet, _ := a.detectFloorUnmet(relaxed, zoneAccepted, candidates)
		if !stillUnmet {
			return accepted, touched, "floor_relaxed"
		}
	}

	result := a.allocateCriticalOnlyMap(candidates, totalBudget)
	return result, touched, cfg.FinalFallback
}

func (a *Arena) allocateCriticalOnlyMap(candidates map[Zone][]Entry, totalBudget int) map[Zone][]AcceptedEntry {
	out := make(map[Zone][]AcceptedEntry)
	spend := 0
	for z := range criticalZones {
		for _, e := range candidates[z] {
			if spend+e.Tokens > totalBudget {
				continue
			}
			out[z] = append(out[z], AcceptedEntry{Key: e.Key, Zone: z, Content: e.Content, Tokens: e.Tokens})
			spend += e.Tokens
		}
	}
	return out
}

// allocateCriticalOnly is the forceCriticalOnly short-circuit (step 2 of
// §4.5.2 entered directly).
func (a *Arena) allocateCriticalOnly(candidates map[Zone][]Entry, totalBudget int) PlanResult {
	accepted := a.allocateCriticalOnlyMap(candidates, totalBudget)
	result := PlanResult{
		ZoneDemand:    map[Zone]int{},
		ZoneAllocated: map[Zone]int{},
		ZoneAccepted:  map[Zone]int{},
	}
	var consumed []Key
	var parts []string
	for _, z := range ZoneOrder {
		for _, e := range accepted[z] {
			consumed = append(consumed, e.Key)
			parts = append(parts, e.Content)
			result.ZoneAccepted[z] += e.Tokens
			result.Accepted = append(result.Accepted, e)
		}
	}
	result.Joined = strings.Join(parts, "\n\n")
	result.ConsumedKeys = consumed
	return result
}
