// Package coordinator fans a batch of subagent specs out to concurrent
// runs and collects their results in submission order. Failures and
// timeouts are isolated per spec; the coordinator itself keeps serving.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Result statuses.
const (
	StatusDone    = "done"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Spec describes one requested subagent run.
type Spec struct {
	Type      string         `json:"type"`
	Prompt    string         `json:"prompt"`
	TimeoutMS *int           `json:"timeout_ms,omitempty"` // nil = coordinator default, 0 = immediate timeout
	Params    map[string]any `json:"params,omitempty"`
}

// Result is the outcome of one spec, in the batch's submission order.
type Result struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Runner executes one subagent run. It must honor ctx cancellation.
type Runner func(ctx context.Context, runID string, spec Spec) (result, sessionID string, err error)

// ActiveRun is a currently-executing spec.
type ActiveRun struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Coordinator executes subagent batches. Runners are registered per
// subagent type.
type Coordinator struct {
	defaultTimeout time.Duration
	maxParallel    int64

	mu      sync.Mutex
	runners map[string]Runner
	active  map[string]ActiveRun
	cancels map[string]context.CancelFunc
}

func New(defaultTimeout time.Duration, maxParallel int) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Coordinator{
		defaultTimeout: defaultTimeout,
		maxParallel:    int64(maxParallel),
		runners:        make(map[string]Runner),
		active:         make(map[string]ActiveRun),
		cancels:        make(map[string]context.CancelFunc),
	}
}

// RegisterRunner installs the runner for a subagent type.
func (c *Coordinator) RegisterRunner(subagentType string, r Runner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runners[subagentType] = r
}

// genRunID returns an ID unique across batches.
func genRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Run executes the batch and returns one result per spec, in input order.
func (c *Coordinator) Run(ctx context.Context, specs []Spec) []Result {
	results := make([]Result, len(specs))
	sem := semaphore.NewWeighted(c.maxParallel)
	var g errgroup.Group

	for i, spec := range specs {
		runID := genRunID()
		results[i] = Result{ID: runID}

		c.mu.Lock()
		runner, known := c.runners[spec.Type]
		c.mu.Unlock()
		if !known {
			// Invalid specs fail fast, before any waiting.
			results[i].Status = StatusError
			results[i].Error = fmt.Sprintf("Unknown subagent: %s", spec.Type)
			continue
		}

		timeout := c.defaultTimeout
		if spec.TimeoutMS != nil {
			timeout = time.Duration(*spec.TimeoutMS) * time.Millisecond
		}
		if timeout <= 0 {
			results[i].Status = StatusTimeout
			continue
		}

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		c.mu.Lock()
		c.active[runID] = ActiveRun{ID: runID, Type: spec.Type}
		c.cancels[runID] = cancel
		c.mu.Unlock()

		i, spec := i, spec
		g.Go(func() error {
			defer func() {
				cancel()
				c.mu.Lock()
				delete(c.active, runID)
				delete(c.cancels, runID)
				c.mu.Unlock()
			}()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("coordinator.run.panicked", "run_id", runID, "panic", r)
					results[i].Status = StatusError
					results[i].Error = fmt.Sprintf("subagent crashed: %v", r)
				}
			}()

			if err := sem.Acquire(runCtx, 1); err != nil {
				results[i] = c.failureResult(runID, runCtx, err)
				return nil
			}
			defer sem.Release(1)

			out, sessionID, err := runner(runCtx, runID, spec)
			if err != nil {
				results[i] = c.failureResult(runID, runCtx, err)
				return nil
			}
			results[i] = Result{ID: runID, Status: StatusDone, Result: out, SessionID: sessionID}
			return nil
		})
	}

	g.Wait()
	return results
}

// failureResult distinguishes deadline expiry from run failures.
func (c *Coordinator) failureResult(runID string, runCtx context.Context, err error) Result {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Result{ID: runID, Status: StatusTimeout}
	}
	return Result{ID: runID, Status: StatusError, Error: err.Error()}
}

// ListActive returns the currently-running specs, sorted by ID.
func (c *Coordinator) ListActive() []ActiveRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ActiveRun, 0, len(c.active))
	for _, run := range c.active {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AbortAll cancels every active run and returns the aborted IDs. Safe on an
// empty coordinator.
func (c *Coordinator) AbortAll() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.cancels))
	cancels := make([]context.CancelFunc, 0, len(c.cancels))
	for id, cancel := range c.cancels {
		ids = append(ids, id)
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	sort.Strings(ids)
	if len(ids) > 0 {
		slog.Info("coordinator.abort_all", "aborted", len(ids))
	}
	return ids
}

// Notify absorbs stray events for runs the coordinator no longer (or never)
// tracked.
func (c *Coordinator) Notify(runID string, event any) {
	c.mu.Lock()
	_, known := c.active[runID]
	c.mu.Unlock()
	if !known {
		slog.Debug("coordinator.stray_event", "run_id", runID)
	}
}
