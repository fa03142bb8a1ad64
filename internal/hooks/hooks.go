// Package hooks holds per-session pre-compaction hooks and the gate that
// decides when conversation compaction must run. Hooks are plain function
// values carried as data; one hook failing or timing out never stops the
// rest.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders hook execution: high runs first, then normal, then low.
// Within a priority, insertion order is kept.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Low:
		return "low"
	default:
		return "normal"
	}
}

// ParsePriority maps a settings string to a Priority; unknown values fall
// back to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return High
	case "low":
		return Low
	default:
		return Normal
	}
}

// Func is a pre-compaction hook body.
type Func func(ctx context.Context, args map[string]any) error

// DefaultTimeout bounds a single hook execution when no explicit timeout
// was registered.
const DefaultTimeout = 5 * time.Second

// Hook is one registered hook. The function reference is never exposed
// through List.
type Hook struct {
	ID           string
	SessionID    string
	Priority     Priority
	Timeout      time.Duration
	RegisteredAt time.Time

	fn  Func
	seq int
}

// Info is the fn-free view of a hook returned by List.
type Info struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	Priority     string        `json:"priority"`
	Timeout      time.Duration `json:"timeout"`
	RegisteredAt time.Time     `json:"registered_at"`
}

// Options configures Register.
type Options struct {
	Priority Priority
	Timeout  time.Duration
}

// Summary is the outcome of an Execute pass.
type Summary struct {
	Executed  int `json:"executed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
}

// Registry stores hooks keyed by session ID. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	bySession map[string][]*Hook
	seq       int
}

func NewRegistry() *Registry {
	return &Registry{bySession: make(map[string][]*Hook)}
}

// Register adds a hook for a session and returns its ID.
func (r *Registry) Register(sessionID string, fn Func, opts Options) string {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	h := &Hook{
		ID:           "hook_" + uuid.NewString()[:8],
		SessionID:    sessionID,
		Priority:     opts.Priority,
		Timeout:      opts.Timeout,
		RegisteredAt: time.Now().UTC(),
		fn:           fn,
		seq:          r.seq,
	}
	r.bySession[sessionID] = append(r.bySession[sessionID], h)
	return h.ID
}

// Unregister removes one hook. Returns false when the hook is unknown.
func (r *Registry) Unregister(sessionID, hookID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	hooks := r.bySession[sessionID]
	for i, h := range hooks {
		if h.ID == hookID {
			r.bySession[sessionID] = append(hooks[:i], hooks[i+1:]...)
			return true
		}
	}
	return false
}

// UnregisterAll drops every hook of a session and returns how many were removed.
func (r *Registry) UnregisterAll(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.bySession[sessionID])
	delete(r.bySession, sessionID)
	return n
}

// List returns the session's hooks in execution order, without function refs.
func (r *Registry) List(sessionID string) []Info {
	ordered := r.ordered(sessionID)
	infos := make([]Info, 0, len(ordered))
	for _, h := range ordered {
		infos = append(infos, Info{
			ID:           h.ID,
			SessionID:    h.SessionID,
			Priority:     h.Priority.String(),
			Timeout:      h.Timeout,
			RegisteredAt: h.RegisteredAt,
		})
	}
	return infos
}

// ordered returns a sorted snapshot: priority desc, then insertion order.
func (r *Registry) ordered(sessionID string) []*Hook {
	r.mu.Lock()
	hooks := make([]*Hook, len(r.bySession[sessionID]))
	copy(hooks, r.bySession[sessionID])
	r.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Priority != hooks[j].Priority {
			return hooks[i].Priority > hooks[j].Priority
		}
		return hooks[i].seq < hooks[j].seq
	})
	return hooks
}

// Execute runs all hooks of a session in order. Each hook gets its own
// timeout; failures and timeouts are absorbed and counted.
func (r *Registry) Execute(ctx context.Context, sessionID string, args map[string]any) Summary {
	var sum Summary
	for _, h := range r.ordered(sessionID) {
		sum.Executed++
		switch err := runHook(ctx, h, args); {
		case err == nil:
			sum.Succeeded++
		case err == context.DeadlineExceeded:
			sum.TimedOut++
			slog.Warn("hooks.execute.timeout", "session", sessionID, "hook", h.ID, "timeout", h.Timeout)
		default:
			sum.Failed++
			slog.Warn("hooks.execute.failed", "session", sessionID, "hook", h.ID, "error", err)
		}
	}
	return sum
}

// runHook executes one hook under its timeout, converting panics to errors.
func runHook(ctx context.Context, h *Hook, args map[string]any) error {
	hctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("hook panic: %v", rec)
			}
		}()
		done <- h.fn(hctx, args)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return context.DeadlineExceeded
	}
}

// CompactionConfig is the settings slice the gate consults.
type CompactionConfig struct {
	Enabled       bool `json:"enabled"`
	ReserveTokens int  `json:"reserve_tokens"`
}

// ShouldCompact reports whether the context no longer leaves the reserve
// headroom inside the window.
func ShouldCompact(contextTokens, contextWindow int, cfg CompactionConfig) bool {
	if !cfg.Enabled {
		return false
	}
	return contextTokens+cfg.ReserveTokens >= contextWindow
}
