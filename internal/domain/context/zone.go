package context

// Zone is a named partition of the injection budget. Zones are always
// considered in this declaration order when allocating budget.
type Zone string

const (
	ZoneIdentity      Zone = "identity"
	ZoneTruth         Zone = "truth"
	ZoneTaskState     Zone = "task_state"
	ZoneToolFailures  Zone = "tool_failures"
	ZoneMemoryWorking Zone = "memory_working"
	ZoneMemoryRecall  Zone = "memory_recall"
	ZoneRAGExternal   Zone = "rag_external"
)

// ZoneOrder is the fixed allocation order used by Plan and the
// floor-relaxation cascade.
var ZoneOrder = []Zone{
	ZoneIdentity,
	ZoneTruth,
	ZoneTaskState,
	ZoneToolFailures,
	ZoneMemoryWorking,
	ZoneMemoryRecall,
	ZoneRAGExternal,
}

// criticalZones are exempt from max=0 disabling and from every
// floor-relaxation step short of a final critical_only collapse.
var criticalZones = map[Zone]bool{
	ZoneIdentity:  true,
	ZoneTruth:     true,
	ZoneTaskState: true,
}

// Priority orders candidates within a zone, lower value wins ties first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// TruncationStrategy controls what happens when a zone's candidates don't
// fit the remaining budget.
type TruncationStrategy string

const (
	TruncateDropEntry TruncationStrategy = "drop-entry"
	TruncateSummarize TruncationStrategy = "summarize"
	TruncateTail      TruncationStrategy = "tail"
)

// ZoneBudget is the static {min,max} configured per zone, or the
// adaptive controller's current allocation.
type ZoneBudget struct {
	Min int
	Max int // 0 disables the zone (identity/truth/task_state are exempt)
}

// ZoneConfig is the static per-zone configuration.
type ZoneConfig struct {
	Budget     ZoneBudget
	Truncation TruncationStrategy
}

// DefaultZoneConfigs mirrors the teacher's DefaultPruneConfig style: sane
// out-of-the-box values, overridable per deployment.
func DefaultZoneConfigs() map[Zone]ZoneConfig {
	return map[Zone]ZoneConfig{
		ZoneIdentity:      {Budget: ZoneBudget{Min: 200, Max: 800}, Truncation: TruncateDropEntry},
		ZoneTruth:         {Budget: ZoneBudget{Min: 200, Max: 1500}, Truncation: TruncateDropEntry},
		ZoneTaskState:     {Budget: ZoneBudget{Min: 100, Max: 1000}, Truncation: TruncateTail},
		ZoneToolFailures:  {Budget: ZoneBudget{Min: 0, Max: 2000}, Truncation: TruncateTail},
		ZoneMemoryWorking: {Budget: ZoneBudget{Min: 0, Max: 3000}, Truncation: TruncateSummarize},
		ZoneMemoryRecall:  {Budget: ZoneBudget{Min: 0, Max: 2000}, Truncation: TruncateSummarize},
		ZoneRAGExternal:   {Budget: ZoneBudget{Min: 0, Max: 1500}, Truncation: TruncateDropEntry},
	}
}
