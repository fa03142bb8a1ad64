package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	t.Setenv(EnvMasterKey, "test-master-key")

	s, err := Open(filepath.Join(t.TempDir(), "secrets.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set("lemon.anthropic.api_key", "sk-ant-test"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := s.Get("lemon.anthropic.api_key")
	if !ok || got != "sk-ant-test" {
		t.Errorf("get = (%q, %v), want (sk-ant-test, true)", got, ok)
	}
	if !s.Exists("lemon.anthropic.api_key") {
		t.Error("Exists = false for stored name")
	}
	if s.Exists("lemon.missing") {
		t.Error("Exists = true for missing name")
	}
}

func TestReopenReadsSealedFile(t *testing.T) {
	t.Setenv(EnvMasterKey, "test-master-key")
	path := filepath.Join(t.TempDir(), "secrets.json")

	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Set("name", "value"); err != nil {
		t.Fatal(err)
	}

	// File on disk must not contain the plaintext.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) == "" || containsPlaintext(raw, "value") {
		t.Errorf("secrets file leaks plaintext: %s", raw)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got, ok := s2.Get("name"); !ok || got != "value" {
		t.Errorf("reopened store get = (%q, %v)", got, ok)
	}
}

func containsPlaintext(raw []byte, needle string) bool {
	return len(needle) > 0 && string(raw) != "" && (string(raw) == needle || indexOf(raw, needle) >= 0)
}

func indexOf(raw []byte, needle string) int {
	for i := 0; i+len(needle) <= len(raw); i++ {
		if string(raw[i:i+len(needle)]) == needle {
			return i
		}
	}
	return -1
}

func TestLockedStoreMissesAndRefusesWrites(t *testing.T) {
	t.Setenv(EnvMasterKey, "")

	s, err := Open(filepath.Join(t.TempDir(), "secrets.json"))
	if err != nil {
		t.Fatal(err)
	}
	if s.Unlocked() {
		t.Error("store without master key reports unlocked")
	}
	if s.Exists("anything") {
		t.Error("locked store claims to hold values")
	}
	if err := s.Set("a", "b"); err != ErrNoMasterKey {
		t.Errorf("Set on locked store = %v, want ErrNoMasterKey", err)
	}
}

func TestResolve_StoreThenEnvFallback(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set("IN_STORE", "stored-value"); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ONLY_IN_ENV", "env-value")

	tests := []struct {
		name       string
		key        string
		wantVal    string
		wantSource string
		wantOK     bool
	}{
		{"store hit", "IN_STORE", "stored-value", SourceStore, true},
		{"env fallback", "ONLY_IN_ENV", "env-value", SourceEnv, true},
		{"miss", "NOWHERE_AT_ALL", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			val, source, ok := s.Resolve(tt.key)
			if val != tt.wantVal || source != tt.wantSource || ok != tt.wantOK {
				t.Errorf("Resolve(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.key, val, source, ok, tt.wantVal, tt.wantSource, tt.wantOK)
			}
		})
	}
}

func TestDetectOAuth(t *testing.T) {
	tests := []struct {
		name   string
		value  string
		wantOK bool
	}{
		{"oauth payload", `{"type":"oauth","access_token":"tok-123"}`, true},
		{"token-style payload", `{"type":"oauth","token":"tok-456","projectId":"proj-9"}`, true},
		{"plain api key", "sk-plain-key", false},
		{"json without type", `{"access_token":"tok"}`, false},
		{"typed but tokenless", `{"type":"oauth"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := DetectOAuth(tt.value)
			if ok != tt.wantOK {
				t.Errorf("DetectOAuth(%q) ok = %v, want %v", tt.value, ok, tt.wantOK)
			}
		})
	}
}

func TestOAuthCredential(t *testing.T) {
	plain, _ := DetectOAuth(`{"type":"oauth","access_token":"tok-123"}`)
	if got := plain.Credential(); got != "tok-123" {
		t.Errorf("Credential = %q, want bare token", got)
	}

	composed, _ := DetectOAuth(`{"type":"oauth","token":"tok-456","projectId":"proj-9"}`)
	got := composed.Credential()
	if got != `{"projectId":"proj-9","token":"tok-456"}` {
		t.Errorf("composed Credential = %q", got)
	}
}
