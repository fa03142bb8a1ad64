// Package budget tracks per-run token/cost/child limits. Child budgets
// inherit parent limits and may only tighten them; child usage is folded
// back into the parent when the child completes.
package budget

import (
	"fmt"
	"sync"
)

// Exceeded reason types.
const (
	TokenLimitExceeded = "token_limit_exceeded"
	CostLimitExceeded  = "cost_limit_exceeded"
	ChildLimitExceeded = "child_limit_exceeded"
)

// ExceededError reports which limit was hit. Nil limits never produce one.
type ExceededError struct {
	Type  string
	Limit float64
	Used  float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %s (limit %.4f, used %.4f)", e.Type, e.Limit, e.Used)
}

// Budget holds the limits and accumulated usage of one run.
// A nil limit pointer means unlimited.
type Budget struct {
	MaxTokens   *int
	MaxCost     *float64
	MaxChildren *int

	UsedTokens     int
	UsedCost       float64
	ActiveChildren int
}

// Remaining is the headroom reported by Check. Nil means unlimited.
type Remaining struct {
	Tokens *int
	Cost   *float64
}

// Tracker keys budgets by run ID. All operations are safe for concurrent use.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*Budget
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*Budget)}
}

// Create registers a budget for runID. Nil limits mean unlimited.
func (t *Tracker) Create(runID string, maxTokens *int, maxCost *float64, maxChildren *int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[runID] = &Budget{MaxTokens: maxTokens, MaxCost: maxCost, MaxChildren: maxChildren}
}

// CreateChild registers a child budget that inherits the parent's limits.
// Explicit child limits apply only where they are tighter than the parent's.
func (t *Tracker) CreateChild(parentID, childID string, maxTokens *int, maxCost *float64, maxChildren *int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.runs[parentID]
	if !ok {
		return fmt.Errorf("unknown parent run %q", parentID)
	}

	child := &Budget{
		MaxTokens:   tightenInt(parent.MaxTokens, maxTokens),
		MaxCost:     tightenFloat(parent.MaxCost, maxCost),
		MaxChildren: maxChildren,
	}
	if child.MaxChildren == nil {
		child.MaxChildren = parent.MaxChildren
	}
	t.runs[childID] = child
	return nil
}

// tightenInt keeps the lower of the two limits; inheritance never loosens.
func tightenInt(parent, child *int) *int {
	if child == nil {
		return parent
	}
	if parent != nil && *parent < *child {
		return parent
	}
	return child
}

func tightenFloat(parent, child *float64) *float64 {
	if child == nil {
		return parent
	}
	if parent != nil && *parent < *child {
		return parent
	}
	return child
}

// RecordUsage accumulates raw token and cost usage against a run.
func (t *Tracker) RecordUsage(runID string, tokens int, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.runs[runID]; ok {
		b.UsedTokens += tokens
		b.UsedCost += cost
	}
}

// RecordResponseUsage extracts {total_tokens, cost} from a decoded model
// response. Both snake_case and camelCase keys are accepted, as are
// float64/int numeric shapes from JSON decoding.
func (t *Tracker) RecordResponseUsage(runID string, response map[string]any) {
	tokens := intField(response, "total_tokens", "totalTokens")
	cost := floatField(response, "cost")
	if tokens == 0 && cost == 0 {
		if usage, ok := response["usage"].(map[string]any); ok {
			tokens = intField(usage, "total_tokens", "totalTokens")
			cost = floatField(usage, "cost")
		}
	}
	t.RecordUsage(runID, tokens, cost)
}

func intField(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}

func floatField(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return 0
}

// Check returns remaining headroom, or an ExceededError naming the first
// violated limit. Nil limits never fail.
func (t *Tracker) Check(runID string) (Remaining, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.runs[runID]
	if !ok {
		return Remaining{}, fmt.Errorf("unknown run %q", runID)
	}

	if b.MaxTokens != nil && b.UsedTokens >= *b.MaxTokens {
		return Remaining{}, &ExceededError{Type: TokenLimitExceeded, Limit: float64(*b.MaxTokens), Used: float64(b.UsedTokens)}
	}
	if b.MaxCost != nil && b.UsedCost >= *b.MaxCost {
		return Remaining{}, &ExceededError{Type: CostLimitExceeded, Limit: *b.MaxCost, Used: b.UsedCost}
	}
	if b.MaxChildren != nil && b.ActiveChildren >= *b.MaxChildren {
		return Remaining{}, &ExceededError{Type: ChildLimitExceeded, Limit: float64(*b.MaxChildren), Used: float64(b.ActiveChildren)}
	}

	var rem Remaining
	if b.MaxTokens != nil {
		n := *b.MaxTokens - b.UsedTokens
		rem.Tokens = &n
	}
	if b.MaxCost != nil {
		c := *b.MaxCost - b.UsedCost
		rem.Cost = &c
	}
	return rem, nil
}

// CanSpawnChild reports whether the run may start another child.
// Unlimited when MaxChildren is nil.
func (t *Tracker) CanSpawnChild(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.runs[runID]
	if !ok {
		return false
	}
	return b.MaxChildren == nil || b.ActiveChildren < *b.MaxChildren
}

// ChildStarted increments the parent's active child count.
func (t *Tracker) ChildStarted(parentID, childID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.runs[parentID]; ok {
		b.ActiveChildren++
	}
}

// ChildCompleted decrements the active count and aggregates the child's
// usage into the parent. The child budget is dropped from the tracker.
func (t *Tracker) ChildCompleted(parentID, childID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parent, ok := t.runs[parentID]
	if !ok {
		return
	}
	if parent.ActiveChildren > 0 {
		parent.ActiveChildren--
	}
	if child, ok := t.runs[childID]; ok {
		parent.UsedTokens += child.UsedTokens
		parent.UsedCost += child.UsedCost
		delete(t.runs, childID)
	}
}

// Usage returns the accumulated tokens and cost of a run.
func (t *Tracker) Usage(runID string) (tokens int, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.runs[runID]; ok {
		return b.UsedTokens, b.UsedCost
	}
	return 0, 0
}

// Release removes a run's budget entirely.
func (t *Tracker) Release(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
}
