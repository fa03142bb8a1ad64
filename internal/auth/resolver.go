// Package auth resolves per-provider model credentials at the start of
// every turn. Resolution order: provider env var → plain api_key in
// settings → api_key_secret in the encrypted store → provider-default
// secret key. An empty result is not an error; the stream function decides
// whether it can proceed without a key.
package auth

import (
	"os"

	"github.com/lemonhq/lemon/internal/config"
	"github.com/lemonhq/lemon/internal/secrets"
)

// Auth sources a provider config may declare.
const (
	AuthSourceAPIKey = "api_key"
	AuthSourceOAuth  = "oauth"
)

// providerEnvVars maps provider names to the env vars checked first.
var providerEnvVars = map[string][]string{
	"openai":         {"OPENAI_API_KEY"},
	"anthropic":      {"ANTHROPIC_API_KEY"},
	"github-copilot": {"GITHUB_COPILOT_API_KEY"},
	"openai-codex":   {"OPENAI_CODEX_API_KEY"},
	"opencode":       {"OPENCODE_API_KEY"},
}

// explicitAuthSourceRequired names providers that refuse to resolve at all
// without an explicit auth_source in settings.
var explicitAuthSourceRequired = map[string]bool{
	"openai-codex": true,
}

// SecretLookup is the slice of the secret store the resolver needs.
type SecretLookup interface {
	Get(name string) (string, bool)
}

// DefaultSecretKey is the store key consulted when no api_key_secret is
// configured for the provider.
func DefaultSecretKey(provider string) string {
	return "lemon." + provider + ".api_key"
}

// ResolveAPIKey returns the credential for a provider, or "" when nothing
// resolves. store may be nil (locked or absent secret store).
func ResolveAPIKey(provider string, cfg *config.Config, store SecretLookup) string {
	pc := cfg.Provider(provider)

	authSource := ""
	if pc != nil {
		authSource = pc.AuthSource
	}
	if explicitAuthSourceRequired[provider] && authSource == "" {
		return ""
	}

	for _, env := range providerEnvVars[provider] {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}

	if pc != nil && pc.APIKey != "" {
		return pc.APIKey
	}

	if store == nil {
		return ""
	}

	if pc != nil && pc.APIKeySecret != "" {
		if raw, ok := store.Get(pc.APIKeySecret); ok {
			value, terminal := applyAuthSource(authSource, raw)
			if value != "" || terminal {
				return value
			}
		}
	}

	if raw, ok := store.Get(DefaultSecretKey(provider)); ok {
		value, _ := applyAuthSource(authSource, raw)
		return value
	}

	return ""
}

// applyAuthSource interprets a store value under the provider's auth
// source. For oauth providers a non-OAuth value is a terminal empty; for
// api_key providers an OAuth payload is skipped (treated as a miss).
func applyAuthSource(authSource, raw string) (value string, terminal bool) {
	payload, isOAuth := secrets.DetectOAuth(raw)

	if authSource == AuthSourceOAuth {
		if !isOAuth {
			return "", true
		}
		return payload.Credential(), true
	}

	// api_key (explicit or default): OAuth payloads are not usable.
	if isOAuth {
		return "", false
	}
	return raw, true
}
