package context

// AdaptiveConfig tunes the per-zone EMA controller (§4.5.1). Grounded in
// guardrails.ContextGuard's warnRatio/hardRatio two-threshold pattern,
// generalized from one global ratio to independent per-zone EMAs that can
// shift budget between zones.
type AdaptiveConfig struct {
	EMAAlpha              float64
	MinTurnsBeforeAdapt    int
	UpshiftTruncationRatio float64
	DownshiftIdleRatio     float64
	StepTokens             int
	MaxShiftPerTurn        int
	ZoneMaxAbsolute        map[Zone]int
}

// DefaultAdaptiveConfig mirrors the teacher's hard-coded-but-overridable
// defaults idiom (see guardrails.NewContextGuard call sites).
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		EMAAlpha:              0.3,
		MinTurnsBeforeAdapt:   3,
		UpshiftTruncationRatio: 0.2,
		DownshiftIdleRatio:     0.5,
		StepTokens:             200,
		MaxShiftPerTurn:        400,
	}
}

// AdaptiveZoneSnapshot is the per-zone EMA state, exposed via
// AdaptiveController.Snapshot for testability per spec §4.5.1.
type AdaptiveZoneSnapshot struct {
	EMATruncation float64
	EMAIdle       float64
	CurrentMax    int
	Turns         int
}

// AdaptiveController tracks per-zone truncation/idle EMAs across turns and
// shifts budget from idle zones to truncated ones.
type AdaptiveController struct {
	cfg    AdaptiveConfig
	base   map[Zone]ZoneConfig
	state  map[Zone]*AdaptiveZoneSnapshot
}

// NewAdaptiveController seeds controller state from the static zone configs.
func NewAdaptiveController(cfg AdaptiveConfig, base map[Zone]ZoneConfig) *AdaptiveController {
	state := make(map[Zone]*AdaptiveZoneSnapshot, len(base))
	for z, zc := range base {
		state[z] = &AdaptiveZoneSnapshot{CurrentMax: zc.Budget.Max}
	}
	return &AdaptiveController{cfg: cfg, base: base, state: state}
}

// CurrentMax returns the zone's live max (adapted or static-initial).
func (c *AdaptiveController) CurrentMax(z Zone) int {
	if s, ok := c.state[z]; ok {
		return s.CurrentMax
	}
	if zc, ok := c.base[z]; ok {
		return zc.Budget.Max
	}
	return 0
}

// Observe records one turn's outcome for a zone: how many tokens were
// accepted vs. dropped (truncated/rejected), producing updated EMAs.
func (c *AdaptiveController) Observe(z Zone, acceptedTokens, droppedTokens int) {
	s, ok := c.state[z]
	if !ok {
		return
	}
	s.Turns++

	total := droppedTokens + acceptedTokens
	truncationRatio := 0.0
	if total > 0 {
		truncationRatio = float64(droppedTokens) / float64(total)
	}
	max := s.CurrentMax
	idleRatio := 1.0
	if max > 0 {
		idleRatio = 1 - float64(acceptedTokens)/float64(max)
		if idleRatio < 0 {
			idleRatio = 0
		}
		if idleRatio > 1 {
			idleRatio = 1
		}
	}

	alpha := c.cfg.EMAAlpha
	if s.Turns == 1 {
		s.EMATruncation = truncationRatio
		s.EMAIdle = idleRatio
	} else {
		s.EMATruncation = alpha*truncationRatio + (1-alpha)*s.EMATruncation
		s.EMAIdle = alpha*idleRatio + (1-alpha)*s.EMAIdle
	}
}

// Rebalance applies one step of budget transfer from the most-idle donor
// zone to the most-truncated recipient zone, bounded by MaxShiftPerTurn and
// ZoneMaxAbsolute. Call once per turn, after all zones have Observe'd.
func (c *AdaptiveController) Rebalance() {
	var recipient, donor Zone
	var worstTruncation, worstIdle float64 = -1, -1
	found := false

	for z, s := range c.state {
		if s.Turns < c.cfg.MinTurnsBeforeAdapt {
			continue
		}
		if s.EMATruncation > c.cfg.UpshiftTruncationRatio && s.EMATruncation > worstTruncation {
			worstTruncation = s.EMATruncation
			recipient = z
			found = true
		}
	}
	if !found {
		return
	}
	found = false
	for z, s := range c.state {
		if z == recipient {
			continue
		}
		if s.Turns < c.cfg.MinTurnsBeforeAdapt {
			continue
		}
		if s.EMAIdle > c.cfg.DownshiftIdleRatio && s.EMAIdle > worstIdle {
			worstIdle = s.EMAIdle
			donor = z
			found = true
		}
	}
	if !found {
		return
	}

	shift := c.cfg.StepTokens
	if shift > c.cfg.MaxShiftPerTurn {
		shift = c.cfg.MaxShiftPerTurn
	}

	donorState := c.state[donor]
	recipientState := c.state[recipient]
	if donorState.CurrentMax-shift < 0 {
		shift = donorState.CurrentMax
	}
	if max, ok := c.cfg.ZoneMaxAbsolute[recipient]; ok && recipientState.CurrentMax+shift > max {
		shift = max - recipientState.CurrentMax
	}
	if shift <= 0 {
		return
	}

	donorState.CurrentMax -= shift
	recipientState.CurrentMax += shift
}

// Snapshot returns a copy of all zone states for telemetry/tests.
func (c *AdaptiveController) Snapshot() map[Zone]AdaptiveZoneSnapshot {
	out := make(map[Zone]AdaptiveZoneSnapshot, len(c.state))
	for z, s := range c.state {
		out[z] = *s
	}
	return out
}
