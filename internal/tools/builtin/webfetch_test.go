package builtin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lemonhq/lemon/internal/providers"
)

func TestWebFetchReturnsUntrusted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("external page body"))
	}))
	defer srv.Close()

	res := NewWebFetchTool().Execute(context.Background(), map[string]any{"url": srv.URL})
	if res.IsError {
		t.Fatalf("fetch: %s", res.Content)
	}
	if res.Trust != providers.TrustUntrusted {
		t.Fatalf("trust = %q, want untrusted", res.Trust)
	}
	if res.Content != "external page body" {
		t.Fatalf("content = %q", res.Content)
	}
	if res.Details["status"] != 200 {
		t.Fatalf("status detail = %v", res.Details["status"])
	}
}

func TestWebFetchHTTPErrorStillUntrusted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	res := NewWebFetchTool().Execute(context.Background(), map[string]any{"url": srv.URL})
	if !res.IsError {
		t.Fatal("expected error result for 404")
	}
	if res.Trust != providers.TrustUntrusted {
		t.Fatalf("trust = %q, want untrusted", res.Trust)
	}
	if !strings.Contains(res.Content, "HTTP 404") {
		t.Fatalf("content = %q", res.Content)
	}
}

func TestWebFetchRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://host/file", "not a url at all\x00"} {
		res := NewWebFetchTool().Execute(context.Background(), map[string]any{"url": u})
		if !res.IsError {
			t.Errorf("url %q accepted", u)
		}
	}
}
