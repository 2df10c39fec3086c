package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// AccessMode controls how strictly the tool allow-list is enforced.
type AccessMode string

const (
	ModeOff     AccessMode = "off"
	ModeWarn    AccessMode = "warn"
	ModeEnforce AccessMode = "enforce"
)

// Roots describes the discovery roots for one tier scan, mirroring
// config.Bootstrap's directory layout (base/, packs/<name>/, project/).
type Roots struct {
	Base      string
	PacksDir  string // contains one subdirectory per pack
	Project   string
	ExtraDirs []string // additional project-configured roots, tier=project
}

// Registry discovers, parses, tightens, and serves SkillContracts.
type Registry struct {
	log      *zap.Logger
	roots    Roots
	disabled map[string]bool

	mu       sync.RWMutex
	contracts map[string]Contract
}

// New creates an empty Registry. Call Refresh to populate it.
func New(roots Roots, disabled []string, log *zap.Logger) *Registry {
	return &Registry{
		log:       log,
		roots:     roots,
		disabled:  stringSet(disabled),
		contracts: make(map[string]Contract),
	}
}

// frontmatter splits a SKILL.md-style file into YAML frontmatter and body.
func splitFrontmatter(data []byte) (yamlPart, body string) {
	text := string(data)
	const delim = "---"
	if !strings.HasPrefix(strings.TrimLeft(text, "\n"), delim) {
		return "", text
	}
	trimmed := strings.TrimPrefix(strings.TrimLeft(text, "\n"), delim)
	idx := strings.Index(trimmed, "\n"+delim)
	if idx == -1 {
		return "", text
	}
	yamlPart = strings.TrimPrefix(trimmed[:idx], "\n")
	body = strings.TrimPrefix(trimmed[idx+len(delim)+1:], "\n")
	return yamlPart, strings.TrimSpace(body)
}

func parseFile(path string, tier Tier) (Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Contract{}, err
	}
	yamlPart, body := splitFrontmatter(data)
	var c Contract
	if yamlPart != "" {
		if err := yaml.Unmarshal([]byte(yamlPart), &c); err != nil {
			return Contract{}, fmt.Errorf("parse frontmatter %s: %w", path, err)
		}
	}
	if c.Name == "" {
		c.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	c.Tier = tier
	c.Body = body
	c.SourcePath = path
	return c, nil
}

func scanDirForSkills(dir string, tier Tier, log *zap.Logger) []Contract {
	var out []Contract
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name != "SKILL.md" && !strings.HasSuffix(name, ".md") {
			continue
		}
		c, err := parseFile(filepath.Join(dir, name), tier)
		if err != nil {
			log.Warn("skipping unparseable skill file", zap.String("path", name), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out
}

// Refresh rebuilds the registry atomically: scan all roots, group by name,
// tighten project > pack > base, drop disabled skills, swap in the new map.
func (r *Registry) Refresh() error {
	var all []Contract

	if r.roots.Base != "" {
		all = append(all, scanDirForSkills(r.roots.Base, TierBase, r.log)...)
	}
	if r.roots.PacksDir != "" {
		if packDirs, err := os.ReadDir(r.roots.PacksDir); err == nil {
			for _, pd := range packDirs {
				if pd.IsDir() {
					all = append(all, scanDirForSkills(filepath.Join(r.roots.PacksDir, pd.Name()), TierPack, r.log)...)
				}
			}
		}
	}
	if r.roots.Project != "" {
		all = append(all, scanDirForSkills(r.roots.Project, TierProject, r.log)...)
	}
	for _, extra := range r.roots.ExtraDirs {
		all = append(all, scanDirForSkills(extra, TierProject, r.log)...)
	}

	byName := make(map[string][]Contract)
	for _, c := range all {
		byName[c.Name] = append(byName[c.Name], c)
	}

	merged := make(map[string]Contract, len(byName))
	for name, variants := range byName {
		if r.disabled[name] {
			continue
		}
		sort.Slice(variants, func(i, j int) bool { return variants[i].Tier.rank() < variants[j].Tier.rank() })
		result := variants[0]
		for _, v := range variants[1:] {
			result = TightenContract(result, v)
		}
		merged[name] = result
	}

	r.mu.Lock()
	r.contracts = merged
	r.mu.Unlock()
	return nil
}

// Get returns the resolved contract for name.
func (r *Registry) Get(name string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[name]
	return c, ok
}

// List returns all resolved contracts, sorted by name.
func (r *Registry) List() []Contract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IndexEntry is one row of the machine-readable skills_index.json.
type IndexEntry struct {
	Name        string   `json:"name"`
	Tier        Tier     `json:"tier"`
	Tags        []string `json:"tags"`
	Denied      []string `json:"denied"`
	Required    []string `json:"required"`
	MaxToolCalls int     `json:"maxToolCalls"`
}

// IndexEntries builds the rows for skills_index.json.
func (r *Registry) IndexEntries() []IndexEntry {
	contracts := r.List()
	out := make([]IndexEntry, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, IndexEntry{
			Name:         c.Name,
			Tier:         c.Tier,
			Tags:         c.Tags,
			Denied:       c.Tools.Denied,
			Required:     c.Tools.Required,
			MaxToolCalls: c.Budget.MaxToolCalls,
		})
	}
	return out
}

// CheckAccess evaluates whether toolName is allowed for the named skill
// under mode. Denied always blocks. Under ModeEnforce, a tool not in
// required/optional is blocked; under ModeWarn it is allowed but the
// caller should emit tool_contract_warning; under ModeOff anything not
// denied is allowed.
type AccessResult struct {
	Allowed bool
	Warn    bool
	Reason  string
}

func (r *Registry) CheckAccess(skillName, toolName string, mode AccessMode) AccessResult {
	c, ok := r.Get(skillName)
	if !ok {
		return AccessResult{Allowed: true}
	}
	for _, d := range c.Tools.Denied {
		if d == toolName {
			return AccessResult{Allowed: false, Reason: fmt.Sprintf("tool %q denied by skill %q", toolName, skillName)}
		}
	}
	allowed := contains(c.Tools.Required, toolName) || contains(c.Tools.Optional, toolName)
	switch mode {
	case ModeEnforce:
		if !allowed {
			return AccessResult{Allowed: false, Reason: fmt.Sprintf("tool %q not in allow-list for skill %q", toolName, skillName)}
		}
		return AccessResult{Allowed: true}
	case ModeWarn:
		if !allowed {
			return AccessResult{Allowed: true, Warn: true, Reason: fmt.Sprintf("tool %q not in allow-list for skill %q", toolName, skillName)}
		}
		return AccessResult{Allowed: true}
	default: // ModeOff
		return AccessResult{Allowed: true}
	}
}

func contains(items []string, s string) bool {
	for _, i := range items {
		if i == s {
			return true
		}
	}
	return false
}
