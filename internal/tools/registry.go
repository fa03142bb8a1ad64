// Package tools defines the uniform tool shape shared by built-in,
// extension, and sandboxed tools, plus the per-session registry and the
// capability policy gate.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/lemonhq/lemon/internal/providers"
)

// Tool is the uniform executable shape. Every dispatch target implements it.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Labeled is implemented by tools that carry a human-readable label.
type Labeled interface {
	Label() string
}

// Sources distinguish where a registered tool came from.
const (
	SourceLocal     = "local"
	SourceExtension = "extension"
	SourceSidecar   = "sidecar"
)

type entry struct {
	tool   Tool
	source string
}

// Registry holds the tools available to one session.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces a tool under its name.
func (r *Registry) Register(tool Tool, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[tool.Name()]; exists {
		slog.Debug("tools.registry.replaced", "tool", tool.Name(), "source", source)
	}
	r.entries[tool.Name()] = entry{tool: tool, source: source}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// UnregisterSource removes every tool registered under source and returns
// the removed names.
func (r *Registry) UnregisterSource(source string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name, e := range r.entries {
		if e.source == source {
			delete(r.entries, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.tool, ok
}

// Source returns the dispatch source of a registered tool.
func (r *Registry) Source(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.source, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NamesBySource returns the names registered under source, sorted.
func (r *Registry) NamesBySource(source string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, e := range r.entries {
		if e.source == source {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool definitions offered to the model, sorted by
// name.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.entries))
	for _, e := range r.entries {
		def := providers.ToolDefinition{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Parameters(),
		}
		if l, ok := e.tool.(Labeled); ok {
			def.Label = l.Label()
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a registered tool. Unknown names come back as error results
// so the conversation continues.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *Result {
	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return tool.Execute(ctx, args)
}
