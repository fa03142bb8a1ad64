package auth

import (
	"testing"

	"github.com/lemonhq/lemon/internal/config"
)

type fakeStore map[string]string

func (f fakeStore) Get(name string) (string, bool) {
	v, ok := f[name]
	return v, ok
}

func cfgWith(provider string, pc *config.ProviderConfig) *config.Config {
	cfg := config.Default()
	cfg.Providers = map[string]*config.ProviderConfig{provider: pc}
	return cfg
}

func TestResolve_EnvWinsOverEverything(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")

	cfg := cfgWith("anthropic", &config.ProviderConfig{APIKey: "sk-from-config"})
	store := fakeStore{DefaultSecretKey("anthropic"): "sk-from-store"}

	if got := ResolveAPIKey("anthropic", cfg, store); got != "sk-from-env" {
		t.Errorf("got %q, want env value", got)
	}
}

func TestResolve_PlainKeyBeforeStore(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg := cfgWith("openai", &config.ProviderConfig{APIKey: "sk-plain"})
	store := fakeStore{DefaultSecretKey("openai"): "sk-from-store"}

	if got := ResolveAPIKey("openai", cfg, store); got != "sk-plain" {
		t.Errorf("got %q, want plain config key", got)
	}
}

func TestResolve_SecretRefThenDefaultKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg := cfgWith("openai", &config.ProviderConfig{APIKeySecret: "my.custom.secret"})
	store := fakeStore{
		"my.custom.secret":            "sk-ref",
		DefaultSecretKey("openai"):    "sk-default",
	}
	if got := ResolveAPIKey("openai", cfg, store); got != "sk-ref" {
		t.Errorf("got %q, want api_key_secret value", got)
	}

	// Without the ref configured, the provider-default key applies.
	cfg = cfgWith("openai", &config.ProviderConfig{})
	if got := ResolveAPIKey("openai", cfg, store); got != "sk-default" {
		t.Errorf("got %q, want default secret value", got)
	}
}

func TestResolve_OAuthProvider(t *testing.T) {
	t.Setenv("GITHUB_COPILOT_API_KEY", "")

	cfg := cfgWith("github-copilot", &config.ProviderConfig{AuthSource: AuthSourceOAuth})

	// OAuth payload in store → access token extracted.
	store := fakeStore{
		DefaultSecretKey("github-copilot"): `{"type":"oauth","access_token":"gho_tok"}`,
	}
	if got := ResolveAPIKey("github-copilot", cfg, store); got != "gho_tok" {
		t.Errorf("got %q, want extracted access token", got)
	}

	// Composed payload → {token, projectId} JSON.
	store = fakeStore{
		DefaultSecretKey("github-copilot"): `{"type":"oauth","token":"t1","projectId":"p1"}`,
	}
	if got := ResolveAPIKey("github-copilot", cfg, store); got != `{"projectId":"p1","token":"t1"}` {
		t.Errorf("got %q, want composed credential", got)
	}

	// Non-OAuth store value for an oauth provider → empty.
	store = fakeStore{
		DefaultSecretKey("github-copilot"): "sk-plain-key",
	}
	if got := ResolveAPIKey("github-copilot", cfg, store); got != "" {
		t.Errorf("got %q, want empty for non-OAuth payload", got)
	}
}

func TestResolve_APIKeyProviderIgnoresOAuthPayloads(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := cfgWith("anthropic", &config.ProviderConfig{
		AuthSource:   AuthSourceAPIKey,
		APIKeySecret: "ref.key",
	})
	store := fakeStore{
		"ref.key":                      `{"type":"oauth","access_token":"ignored"}`,
		DefaultSecretKey("anthropic"): "sk-usable",
	}

	if got := ResolveAPIKey("anthropic", cfg, store); got != "sk-usable" {
		t.Errorf("got %q, want fallthrough past OAuth payload to default key", got)
	}
}

func TestResolve_ExplicitAuthSourceRequired(t *testing.T) {
	t.Setenv("OPENAI_CODEX_API_KEY", "sk-env")

	// openai-codex without auth_source resolves empty even with sources set.
	cfg := cfgWith("openai-codex", &config.ProviderConfig{APIKey: "sk-plain"})
	if got := ResolveAPIKey("openai-codex", cfg, fakeStore{}); got != "" {
		t.Errorf("got %q, want empty without explicit auth_source", got)
	}

	cfg = cfgWith("openai-codex", &config.ProviderConfig{AuthSource: AuthSourceAPIKey, APIKey: "sk-plain"})
	if got := ResolveAPIKey("openai-codex", cfg, fakeStore{}); got != "sk-env" {
		t.Errorf("got %q, want env resolution once auth_source is explicit", got)
	}
}

func TestResolve_NothingConfigured(t *testing.T) {
	t.Setenv("OPENCODE_API_KEY", "")

	if got := ResolveAPIKey("opencode", config.Default(), nil); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
