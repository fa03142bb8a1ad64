package tools

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/lemonhq/lemon/internal/config"
)

// ApprovalRequest is handed to the approval callback before a gated tool
// runs for the first time in a session.
type ApprovalRequest struct {
	SessionID    string
	Tool         string
	Capabilities []string
}

// ApprovalFunc decides an approval request. Returning false denies the call.
type ApprovalFunc func(req ApprovalRequest) (bool, error)

// gatedCapabilities are the sidecar capabilities that need policy clearance.
var gatedCapabilities = map[string]bool{
	"http":        true,
	"tool_invoke": true,
	"secrets":     true,
}

// Gate evaluates the tool policy for one session. Granted approvals stick
// for the session's lifetime.
type Gate struct {
	sessionID string
	allowAll  bool
	allow     map[string]bool
	deny      map[string]bool
	require   map[string]bool

	requestApproval ApprovalFunc

	mu        sync.Mutex
	approvals map[string]bool
}

// NewGate builds a gate from policy config. A nil approval func denies
// anything that would need approval.
func NewGate(sessionID string, cfg config.ToolPolicyConfig, approval ApprovalFunc) *Gate {
	g := &Gate{
		sessionID:       sessionID,
		allow:           make(map[string]bool),
		deny:            make(map[string]bool),
		require:         make(map[string]bool),
		approvals:       make(map[string]bool),
		requestApproval: approval,
	}
	for _, name := range cfg.Allow {
		if name == "all" {
			g.allowAll = true
			continue
		}
		g.allow[name] = true
	}
	for _, name := range cfg.Deny {
		g.deny[name] = true
	}
	for _, name := range cfg.RequireApproval {
		g.require[name] = true
	}
	return g
}

// NeedsClearance reports whether a tool with the given capabilities goes
// through the gate at all.
func NeedsClearance(capabilities []string) bool {
	for _, c := range capabilities {
		if gatedCapabilities[c] {
			return true
		}
	}
	return false
}

// Authorize decides whether the tool may run. Deny wins over everything;
// an explicit allow (or allow-all) skips the approval step; otherwise the
// approval callback is consulted once and the answer cached.
func (g *Gate) Authorize(tool string, capabilities []string) error {
	if g.deny[tool] {
		return fmt.Errorf("tool %s denied by policy", tool)
	}
	if !NeedsClearance(capabilities) && !g.require[tool] {
		return nil
	}
	if g.allowAll || g.allow[tool] {
		return nil
	}

	g.mu.Lock()
	granted, seen := g.approvals[tool]
	g.mu.Unlock()
	if seen {
		if !granted {
			return fmt.Errorf("tool %s denied by user", tool)
		}
		return nil
	}

	if g.requestApproval == nil {
		return fmt.Errorf("tool %s requires approval and no approver is configured", tool)
	}
	ok, err := g.requestApproval(ApprovalRequest{
		SessionID:    g.sessionID,
		Tool:         tool,
		Capabilities: capabilities,
	})
	if err != nil {
		return fmt.Errorf("approval for %s failed: %w", tool, err)
	}

	g.mu.Lock()
	g.approvals[tool] = ok
	g.mu.Unlock()

	slog.Info("tools.policy.approval", "session", g.sessionID, "tool", tool, "granted", ok)
	if !ok {
		return fmt.Errorf("tool %s denied by user", tool)
	}
	return nil
}

// Grant records an out-of-band approval decision.
func (g *Gate) Grant(tool string, granted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approvals[tool] = granted
}
