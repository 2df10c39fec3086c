// Package skill implements SkillContract parsing and the SkillRegistry:
// discovery, tier precedence, and the tightenContract rule.
//
// Grounded on internal/domain/entity/skill.go (generalized from a bare
// enable/disable entity to a full policy contract) and the tiered,
// write-if-absent directory discovery idiom of
// internal/infrastructure/config.Bootstrap.
package skill

import "sort"

// Tier is the precedence level a contract was loaded from.
// project > pack > base.
type Tier string

const (
	TierBase    Tier = "base"
	TierPack    Tier = "pack"
	TierProject Tier = "project"
)

func (t Tier) rank() int {
	switch t {
	case TierProject:
		return 2
	case TierPack:
		return 1
	default:
		return 0
	}
}

// Stability describes how much a skill's behavior is expected to change.
type Stability string

const (
	StabilityStable       Stability = "stable"
	StabilityExperimental Stability = "experimental"
	StabilityDeprecated   Stability = "deprecated"
)

// Budget bounds a skill's resource consumption.
type Budget struct {
	MaxToolCalls int `yaml:"max_tool_calls" json:"maxToolCalls"`
	MaxTokens    int `yaml:"max_tokens" json:"maxTokens"`
}

// Tools partitions the tool universe a skill may touch.
type Tools struct {
	Required []string `yaml:"required" json:"required"`
	Optional []string `yaml:"optional" json:"optional"`
	Denied   []string `yaml:"denied" json:"denied"`
}

// Contract is the parsed form of a SKILL.md's YAML frontmatter.
type Contract struct {
	Name        string    `yaml:"name" json:"name"`
	Tier        Tier      `yaml:"-" json:"tier"`
	Tags        []string  `yaml:"tags" json:"tags"`
	AntiTags    []string  `yaml:"anti_tags" json:"antiTags"`
	Tools       Tools     `yaml:"tools" json:"tools"`
	Budget      Budget    `yaml:"budget" json:"budget"`
	MaxParallel int       `yaml:"max_parallel" json:"maxParallel"`
	Stability   Stability `yaml:"stability" json:"stability"`
	CostHint    string    `yaml:"cost_hint" json:"costHint"`

	// Body is the instructional Markdown text following the frontmatter.
	Body string `yaml:"-" json:"-"`
	// SourcePath is the file this contract was parsed from (diagnostics).
	SourcePath string `yaml:"-" json:"-"`
}

func stringSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, i := range items {
		m[i] = true
	}
	return m
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func union(a, b []string) []string {
	set := stringSet(a)
	for _, x := range b {
		set[x] = true
	}
	return sortedKeys(set)
}

func intersect(a, b []string) []string {
	bSet := stringSet(b)
	var out []string
	for _, x := range a {
		if bSet[x] {
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}

func filterNotIn(items []string, exclude ...map[string]bool) []string {
	var out []string
	for _, x := range items {
		skip := false
		for _, ex := range exclude {
			if ex[x] {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, x)
		}
	}
	sort.Strings(out)
	return out
}

func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// TightenContract applies a later (higher-tier) contract as an override on
// top of base, per spec §4.4:
//
//	(a) denied is the union
//	(b) required is the intersection with the pre-existing allow-set
//	(c) optional is filtered to members of the allow-set not in required/denied
//	(d) maxToolCalls/maxTokens take the min (0 means unbounded, so min-with-0 = the other value)
//	(e) maxParallel takes the min
//
// TightenContract is idempotent: tightening an already-tightened contract
// with itself again is a no-op.
func TightenContract(base, override Contract) Contract {
	denied := union(base.Tools.Denied, override.Tools.Denied)
	deniedSet := stringSet(denied)

	// (b) required is the intersection of the union of both required sets
	// with the pre-existing allow-set (required ∪ optional from base),
	// then denied tools are dropped.
	preexistingAllow := union(base.Tools.Required, base.Tools.Optional)
	requiredUnion := union(base.Tools.Required, override.Tools.Required)
	required := filterNotIn(intersect(requiredUnion, preexistingAllow), deniedSet)
	requiredSet := stringSet(required)

	optionalUnion := union(base.Tools.Optional, override.Tools.Optional)
	optional := filterNotIn(optionalUnion, deniedSet, requiredSet)

	result := Contract{
		Name: base.Name,
		Tier: override.Tier,
		Tags: union(base.Tags, override.Tags),
		AntiTags: union(base.AntiTags, override.AntiTags),
		Tools: Tools{
			Required: required,
			Optional: optional,
			Denied:   denied,
		},
		Budget: Budget{
			MaxToolCalls: minPositive(base.Budget.MaxToolCalls, override.Budget.MaxToolCalls),
			MaxTokens:    minPositive(base.Budget.MaxTokens, override.Budget.MaxTokens),
		},
		MaxParallel: minPositive(base.MaxParallel, override.MaxParallel),
		Stability:   base.Stability,
		CostHint:    base.CostHint,
		Body:        base.Body,
		SourcePath:  base.SourcePath,
	}
	if override.Stability != "" {
		result.Stability = override.Stability
	}
	if override.CostHint != "" {
		result.CostHint = override.CostHint
	}
	if override.Body != "" {
		result.Body = override.Body
	}
	if override.SourcePath != "" {
		result.SourcePath = override.SourcePath
	}
	return result
}
