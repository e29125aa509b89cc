// Package registry maps agent tool names to their review capabilities.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// Approval types reported on tool invocations.
const (
	ApprovalExecution = "execution"
	ApprovalEditor    = "editor"
)

// Decider applies a review decision to a durable suggestion.
type Decider interface {
	Decide(ctx context.Context, suggestionID string, decision domain.Decision) (*domain.Suggestion, error)
}

// Call is one approved tool call handed to a tool for execution.
type Call struct {
	ToolCallID   string
	Args         map[string]any
	SuggestionID string
	Decider      Decider
}

// Outcome is what executing a tool produced. Durable tools return the
// suggestion as stored after the decision.
type Outcome struct {
	Suggestion *domain.Suggestion
	Result     map[string]any
}

// Tool is the capability set the review workflow needs from an agent tool.
type Tool interface {
	Name() string
	Label() string
	DangerLevel() domain.DangerLevel
	RequiresConfirmation() bool
	ApprovalType() string
	RenderSummary(args map[string]any) string
	Execute(ctx context.Context, call Call) (Outcome, error)
}

// Registry is a thread-safe name to Tool lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewDefault creates a registry holding the built-in tools.
func NewDefault() *Registry {
	r := New()
	for _, t := range builtinTools() {
		// Built-in names are unique.
		_ = r.Register(t)
	}
	return r
}

// Register adds a tool to the registry.
// Returns ErrInvalidRequest if a tool with the same name is already registered.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return domain.NewEngineError(domain.ErrInvalidRequest, "tool already registered: "+t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool registered under name. Unknown names never fail: they
// resolve to a safe tool that still requires confirmation.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.tools[name]; ok {
		return t
	}
	return fallbackTool{name: name}
}

// Known reports whether name is registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns all registered tool names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
