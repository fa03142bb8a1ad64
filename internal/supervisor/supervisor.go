// Package supervisor owns the process-wide session registry. Each session
// gets a root holding the actor and, optionally, its subagent coordinator.
// Sessions are never restarted; a dead actor tears its coordinator down and
// is pruned from the registry.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lemonhq/lemon/internal/coordinator"
	"github.com/lemonhq/lemon/internal/session"
)

// ErrSessionNotFound is returned for lookups of unknown or exited sessions.
var ErrSessionNotFound = errors.New("session not found")

// ErrNoCoordinator is returned when a root was started without one.
var ErrNoCoordinator = errors.New("session has no coordinator")

// healthProbeTimeout bounds how long a health check waits on one session.
const healthProbeTimeout = 500 * time.Millisecond

// Root is the per-session supervision unit: the actor plus an optional
// coordinator. When the actor exits, the coordinator's runs are aborted
// with it; the reverse direction leaves the actor alive.
type Root struct {
	actor *session.Actor
	coord *coordinator.Coordinator
}

// Session returns the actor, or ErrSessionNotFound after it exited.
func (r *Root) Session() (*session.Actor, error) {
	select {
	case <-r.actor.Done():
		return nil, ErrSessionNotFound
	default:
		return r.actor, nil
	}
}

// Coordinator returns the root's coordinator when one exists and the actor
// is still alive.
func (r *Root) Coordinator() (*coordinator.Coordinator, error) {
	if r.coord == nil {
		return nil, ErrNoCoordinator
	}
	if _, err := r.Session(); err != nil {
		return nil, err
	}
	return r.coord, nil
}

// ChildInfo names one child of a root and whether it is alive.
type ChildInfo struct {
	Name  string `json:"name"`
	Alive bool   `json:"alive"`
}

// ListChildren reports the root's children and their liveness.
func (r *Root) ListChildren() []ChildInfo {
	_, err := r.Session()
	children := []ChildInfo{{Name: "session", Alive: err == nil}}
	if r.coord != nil {
		children = append(children, ChildInfo{Name: "coordinator", Alive: err == nil})
	}
	return children
}

// Supervisor starts sessions and routes by session ID.
type Supervisor struct {
	mu    sync.RWMutex
	roots map[string]*Root
}

func New() *Supervisor {
	return &Supervisor{roots: make(map[string]*Root)}
}

// StartSession launches a session under a fresh root and registers it.
// The caller's lifetime is independent of the session's.
func (s *Supervisor) StartSession(opts session.Options) (*Root, error) {
	actor, err := session.Start(opts)
	if err != nil {
		return nil, err
	}
	root := &Root{actor: actor, coord: opts.Coordinator}

	id := actor.ID()
	s.mu.Lock()
	s.roots[id] = root
	s.mu.Unlock()

	go func() {
		<-actor.Done()
		if root.coord != nil {
			root.coord.AbortAll()
		}
		s.mu.Lock()
		delete(s.roots, id)
		s.mu.Unlock()
		slog.Info("supervisor.session_pruned", "session", id)
	}()

	slog.Info("supervisor.session_started", "session", id)
	return root, nil
}

// Get returns the root for a session ID.
func (s *Supervisor) Get(sessionID string) (*Root, error) {
	s.mu.RLock()
	root, ok := s.roots[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return root, nil
}

// List returns the registered session IDs, sorted.
func (s *Supervisor) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.roots))
	for id := range s.roots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StopSession gracefully terminates one session.
func (s *Supervisor) StopSession(ctx context.Context, sessionID string) error {
	root, err := s.Get(sessionID)
	if err != nil {
		return err
	}
	return root.actor.Stop(ctx)
}

// StopAll terminates every registered session.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, id := range s.List() {
		if err := s.StopSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			slog.Warn("supervisor.stop_failed", "session", id, "error", err)
		}
	}
}
