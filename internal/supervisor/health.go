package supervisor

import (
	"sort"
	"time"

	"github.com/lemonhq/lemon/internal/session"
)

// Per-session health statuses.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// Overall statuses.
const (
	OverallNoSessions = "no_sessions"
	OverallHealthy    = "healthy"
	OverallUnhealthy  = "unhealthy"
)

// SessionHealth is one session's probe result.
type SessionHealth struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// HealthSummary aggregates HealthAll.
type HealthSummary struct {
	Total     int    `json:"total"`
	Healthy   int    `json:"healthy"`
	Degraded  int    `json:"degraded"`
	Unhealthy int    `json:"unhealthy"`
	Overall   string `json:"overall"`
}

// probe classifies one session. Unhealthy means the actor is registered but
// no longer answers; degraded means it answers with its sandbox runtime
// down.
func probe(root *Root) string {
	actor, err := root.Session()
	if err != nil {
		return Unhealthy
	}

	type stateErr struct {
		state session.State
		err   error
	}
	ch := make(chan stateErr, 1)
	go func() {
		st, err := actor.GetState()
		ch <- stateErr{state: st, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return Unhealthy
		}
		if res.state.WasmStatus != "" {
			return Degraded
		}
		return Healthy
	case <-time.After(healthProbeTimeout):
		return Unhealthy
	}
}

// HealthAll probes every session, unhealthy first, then degraded, then
// healthy; ties break by session ID.
func (s *Supervisor) HealthAll() []SessionHealth {
	s.mu.RLock()
	roots := make(map[string]*Root, len(s.roots))
	for id, r := range s.roots {
		roots[id] = r
	}
	s.mu.RUnlock()

	out := make([]SessionHealth, 0, len(roots))
	for id, r := range roots {
		out = append(out, SessionHealth{SessionID: id, Status: probe(r)})
	}

	rank := map[string]int{Unhealthy: 0, Degraded: 1, Healthy: 2}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].Status] != rank[out[j].Status] {
			return rank[out[i].Status] < rank[out[j].Status]
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Summary aggregates per-session health into one overall status.
func (s *Supervisor) Summary() HealthSummary {
	all := s.HealthAll()
	sum := HealthSummary{Total: len(all)}
	for _, h := range all {
		switch h.Status {
		case Healthy:
			sum.Healthy++
		case Degraded:
			sum.Degraded++
		case Unhealthy:
			sum.Unhealthy++
		}
	}
	switch {
	case sum.Total == 0:
		sum.Overall = OverallNoSessions
	case sum.Unhealthy > 0:
		sum.Overall = OverallUnhealthy
	default:
		sum.Overall = OverallHealthy
	}
	return sum
}
