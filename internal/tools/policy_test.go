package tools

import (
	"strings"
	"testing"

	"github.com/lemonhq/lemon/internal/config"
)

func TestGateDenyWins(t *testing.T) {
	g := NewGate("s1", config.ToolPolicyConfig{
		Allow: []string{"all"},
		Deny:  []string{"fetch"},
	}, nil)

	if err := g.Authorize("fetch", []string{"http"}); err == nil {
		t.Fatal("denied tool was authorized")
	}
	if err := g.Authorize("echo", nil); err != nil {
		t.Fatalf("plain tool blocked: %v", err)
	}
}

func TestGateAllowSkipsApproval(t *testing.T) {
	called := false
	g := NewGate("s1", config.ToolPolicyConfig{
		Allow: []string{"fetch"},
	}, func(req ApprovalRequest) (bool, error) {
		called = true
		return false, nil
	})

	if err := g.Authorize("fetch", []string{"http"}); err != nil {
		t.Fatalf("allowed tool blocked: %v", err)
	}
	if called {
		t.Fatal("approval callback should not run for allowed tools")
	}
}

func TestGateApprovalAskedOncePerSession(t *testing.T) {
	calls := 0
	g := NewGate("s1", config.ToolPolicyConfig{}, func(req ApprovalRequest) (bool, error) {
		calls++
		if req.Tool != "invoke_other" || req.SessionID != "s1" {
			t.Errorf("unexpected request %+v", req)
		}
		return true, nil
	})

	for i := 0; i < 3; i++ {
		if err := g.Authorize("invoke_other", []string{"tool_invoke"}); err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("approval asked %d times, want 1", calls)
	}
}

func TestGateDeniedApprovalSticks(t *testing.T) {
	calls := 0
	g := NewGate("s1", config.ToolPolicyConfig{}, func(req ApprovalRequest) (bool, error) {
		calls++
		return false, nil
	})

	for i := 0; i < 2; i++ {
		err := g.Authorize("leak", []string{"secrets"})
		if err == nil || !strings.Contains(err.Error(), "denied by user") {
			t.Fatalf("authorize %d err = %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("approval asked %d times, want 1", calls)
	}
}

func TestGateRequireApprovalByName(t *testing.T) {
	g := NewGate("s1", config.ToolPolicyConfig{
		RequireApproval: []string{"exec"},
	}, nil)

	// No capabilities, but named in require_approval and no approver.
	if err := g.Authorize("exec", nil); err == nil {
		t.Fatal("expected approval requirement to block")
	}

	g.Grant("exec", true)
	if err := g.Authorize("exec", nil); err != nil {
		t.Fatalf("granted tool blocked: %v", err)
	}
}

func TestNeedsClearance(t *testing.T) {
	cases := []struct {
		caps []string
		want bool
	}{
		{nil, false},
		{[]string{"workspace_read"}, false},
		{[]string{"http"}, true},
		{[]string{"workspace_read", "secrets"}, true},
		{[]string{"tool_invoke"}, true},
	}
	for _, tc := range cases {
		if got := NeedsClearance(tc.caps); got != tc.want {
			t.Errorf("NeedsClearance(%v) = %v, want %v", tc.caps, got, tc.want)
		}
	}
}
