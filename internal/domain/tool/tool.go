// Package tool defines the Tool/Result/Registry abstractions every agent
// capability implements, plus the admission policy types consulted before
// a call is allowed to run. The full gate sequence (skill contract, cost
// budget, compaction gate) lives in pipeline.go; Policy here is a
// separate, coarser allow/deny + confirmation layer that the pipeline and
// the CLI do not consult.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Kind classifies what a tool does, driving automatic confirmation policy.
type Kind string

const (
	KindRead        Kind = "read"        // read_file, list_dir, ...
	KindEdit        Kind = "edit"        // write_file, patch, ...
	KindExecute     Kind = "execute"     // shell, run, ...
	KindDelete      Kind = "delete"
	KindSearch      Kind = "search" // web_search, grep, ...
	KindFetch       Kind = "fetch"  // fetch_url, ...
	KindThink       Kind = "think"  // save_memory, plan, ...
	KindCommunicate Kind = "communicate"
)

// MutatorKinds require user confirmation under AskMode.
var MutatorKinds = map[Kind]bool{
	KindEdit:    true,
	KindDelete:  true,
	KindExecute: true,
}

// SafeKinds are auto-approved even under AskMode.
var SafeKinds = map[Kind]bool{
	KindRead:   true,
	KindSearch: true,
	KindThink:  true,
}

// Tool is the abstraction every executable capability implements.
type Tool interface {
	Name() string
	Description() string
	Kind() Kind
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Result is one tool call's outcome.
type Result struct {
	Output   string         // compact form fed back to the model
	Display  string         // rich-text rendering for a UI; falls back to Output when empty
	Success  bool
	Metadata map[string]any
	Error    string
}

// DisplayOrOutput returns Display when set, else Output.
func (r *Result) DisplayOrOutput() string {
	if r.Display != "" {
		return r.Display
	}
	return r.Output
}

// Definition describes a tool in the shape handed to the model.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry looks up and lists registered tools.
type Registry interface {
	Register(tool Tool) error
	Unregister(name string) error
	Get(name string) (Tool, bool)
	List() []Definition
	Has(name string) bool
}

// InMemoryRegistry is the default in-process Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds a tool, failing if one is already registered under the
// same name.
func (r *InMemoryRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	r.tools[name] = tool
	return nil
}

// Unregister removes a tool by name.
func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}

	delete(r.tools, name)
	return nil
}

// Get looks up a tool by name.
func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// List returns definitions for every registered tool.
func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return defs
}

// Has reports whether name is registered.
func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tools[name]
	return exists
}

// ExecutionContext says where a tool call actually runs.
type ExecutionContext int

const (
	ExecContextGateway ExecutionContext = iota // in-process
	ExecContextSandbox                         // inside a sandbox
	ExecContextRemote                          // on a remote node
)

// String renders the execution context for logging.
func (c ExecutionContext) String() string {
	switch c {
	case ExecContextGateway:
		return "gateway"
	case ExecContextSandbox:
		return "sandbox"
	case ExecContextRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Executor runs a tool in a particular ExecutionContext.
type Executor interface {
	Execute(ctx context.Context, tool Tool, args map[string]any) (*Result, error)
	SetContext(execCtx ExecutionContext)
}

// Policy is a coarse allow/deny + confirmation (AskMode) layer,
// independent of the per-skill contract gate the pipeline enforces;
// nothing in this tree consults it.
type Policy struct {
	Profile     string // minimal, coding, messaging, full
	AllowList   []string
	DenyList    []string
	AskMode     bool
	MaxExecTime int // seconds
}

// IsAllowed reports whether toolName passes this policy's allow/deny lists.
func (p *Policy) IsAllowed(toolName string) bool {
	for _, denied := range p.DenyList {
		if denied == toolName {
			return false
		}
	}

	if len(p.AllowList) == 0 {
		return true
	}

	for _, allowed := range p.AllowList {
		if allowed == toolName {
			return true
		}
	}

	return false
}

// NeedsConfirmation reports whether kind requires interactive confirmation
// under this policy's AskMode.
func (p *Policy) NeedsConfirmation(kind Kind) bool {
	if !p.AskMode {
		return false
	}
	if SafeKinds[kind] {
		return false
	}
	return MutatorKinds[kind]
}

// PolicyEnforcer applies a Policy over a Registry.
type PolicyEnforcer struct {
	policy   *Policy
	registry Registry
}

// NewPolicyEnforcer pairs a policy with the registry it filters.
func NewPolicyEnforcer(policy *Policy, registry Registry) *PolicyEnforcer {
	return &PolicyEnforcer{
		policy:   policy,
		registry: registry,
	}
}

// FilteredList returns only the tool definitions the policy allows.
func (e *PolicyEnforcer) FilteredList() []Definition {
	all := e.registry.List()
	filtered := make([]Definition, 0)

	for _, def := range all {
		if e.policy.IsAllowed(def.Name) {
			filtered = append(filtered, def)
		}
	}

	return filtered
}

// CanExecute reports whether toolName passes the policy.
func (e *PolicyEnforcer) CanExecute(toolName string) bool {
	return e.policy.IsAllowed(toolName)
}

// NeedsApproval reports whether this policy runs in AskMode.
func (e *PolicyEnforcer) NeedsApproval() bool {
	return e.policy.AskMode
}

// MarshalJSON renders a Result for the CLI's --mode json surface.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"output":   r.Output,
		"display":  r.Display,
		"success":  r.Success,
		"metadata": r.Metadata,
		"error":    r.Error,
	})
}
