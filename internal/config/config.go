// Package config defines the lemon settings surface. Settings live in a
// single JSON5 file; Load layers the file over Default and applies
// environment overrides.
package config

import "github.com/lemonhq/lemon/internal/hooks"

// Config is the root settings object.
type Config struct {
	DefaultThinkingLevel string                     `json:"default_thinking_level,omitempty"`
	Providers            map[string]*ProviderConfig `json:"providers,omitempty"`
	Tools                ToolsConfig                `json:"tools"`
	ExtensionPaths       []string                   `json:"extension_paths,omitempty"`
	Stores               StoresConfig               `json:"stores"`
	Compaction           hooks.CompactionConfig     `json:"compaction"`
	Coordinator          CoordinatorConfig          `json:"coordinator"`
	Gateway              GatewayConfig              `json:"gateway"`
	Telemetry            TelemetryConfig            `json:"telemetry"`
}

// ProviderConfig configures credentials for one model provider.
// AuthSource selects how keys resolve: "api_key" (default for most
// providers) or "oauth" (store value must be an OAuth payload).
type ProviderConfig struct {
	APIKey       string `json:"api_key,omitempty"`
	APIKeySecret string `json:"api_key_secret,omitempty"`
	AuthSource   string `json:"auth_source,omitempty"`
}

// ToolsConfig groups tool-related settings.
type ToolsConfig struct {
	Wasm   WasmConfig       `json:"wasm"`
	Policy ToolPolicyConfig `json:"policy"`
}

// WasmConfig configures the sandbox sidecar runtime.
type WasmConfig struct {
	Enabled            bool     `json:"enabled"`
	AutoBuild          bool     `json:"auto_build,omitempty"`
	RuntimePath        string   `json:"runtime_path,omitempty"`
	ToolPaths          []string `json:"tool_paths,omitempty"`
	DiscoverPaths      []string `json:"discover_paths,omitempty"`
	DefaultMemoryLimit uint64   `json:"default_memory_limit"`
	DefaultTimeoutMS   uint64   `json:"default_timeout_ms"`
	DefaultFuelLimit   uint64   `json:"default_fuel_limit"`
	CacheCompiled      bool     `json:"cache_compiled"`
	CacheDir           string   `json:"cache_dir,omitempty"`
	MaxToolInvokeDepth int      `json:"max_tool_invoke_depth"`
}

// ToolPolicyConfig gates capability-requiring sidecar tools.
// Allow "all" disables the gate entirely.
type ToolPolicyConfig struct {
	Allow           []string `json:"allow,omitempty"` // ["all"] or explicit tool names
	Deny            []string `json:"deny,omitempty"`
	RequireApproval []string `json:"require_approval,omitempty"`
}

// StoresConfig configures the process/task snapshot stores.
type StoresConfig struct {
	Dir               string `json:"dir"`
	ProcessTTLSeconds int    `json:"process_ttl_seconds"`
	TaskTTLSeconds    int    `json:"task_ttl_seconds"`
	CleanupCron       string `json:"cleanup_cron"`
	MaxLogLines       int    `json:"max_log_lines"`
}

// CoordinatorConfig bounds subagent batches.
type CoordinatorConfig struct {
	DefaultTimeoutMS int `json:"default_timeout_ms"`
	MaxParallel      int `json:"max_parallel"`
	MaxChildren      int `json:"max_children"`
}

// GatewayConfig configures the WebSocket event bridge.
type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// TelemetryConfig configures the OTLP exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"` // host:port of the OTLP/HTTP collector
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Providers: map[string]*ProviderConfig{},
		Tools: ToolsConfig{
			Wasm: WasmConfig{
				Enabled:            false,
				DefaultMemoryLimit: 10 * 1024 * 1024,
				DefaultTimeoutMS:   60_000,
				DefaultFuelLimit:   10_000_000,
				CacheCompiled:      true,
				MaxToolInvokeDepth: 4,
			},
		},
		Stores: StoresConfig{
			Dir:               "~/.lemon/state",
			ProcessTTLSeconds: 3600,
			TaskTTLSeconds:    3600,
			CleanupCron:       "*/5 * * * *",
			MaxLogLines:       400,
		},
		Compaction: hooks.CompactionConfig{
			Enabled:       true,
			ReserveTokens: 20_000,
		},
		Coordinator: CoordinatorConfig{
			DefaultTimeoutMS: 300_000,
			MaxParallel:      4,
			MaxChildren:      8,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18791,
		},
	}
}
