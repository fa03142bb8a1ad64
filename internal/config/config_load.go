package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Env vars consumed at load time.
const (
	EnvConfigPath = "LEMON_CONFIG"
	EnvStateDir   = "LEMON_STATE_DIR"
)

// Load reads the settings file. Path resolution: explicit arg →
// $LEMON_CONFIG → ~/.lemon/config.json5. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	resolved := resolvePath(path)
	if resolved == "" {
		applyEnv(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", resolved, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", resolved, err)
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

func resolvePath(path string) string {
	if path != "" {
		return ExpandHome(path)
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return ExpandHome(env)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".lemon", "config.json5")
}

func applyEnv(cfg *Config) {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		cfg.Stores.Dir = dir
	}
}

func normalize(cfg *Config) {
	if cfg.Tools.Wasm.DefaultMemoryLimit == 0 {
		cfg.Tools.Wasm.DefaultMemoryLimit = Default().Tools.Wasm.DefaultMemoryLimit
	}
	if cfg.Tools.Wasm.DefaultTimeoutMS == 0 {
		cfg.Tools.Wasm.DefaultTimeoutMS = Default().Tools.Wasm.DefaultTimeoutMS
	}
	if cfg.Tools.Wasm.DefaultFuelLimit == 0 {
		cfg.Tools.Wasm.DefaultFuelLimit = Default().Tools.Wasm.DefaultFuelLimit
	}
	if cfg.Tools.Wasm.MaxToolInvokeDepth <= 0 {
		cfg.Tools.Wasm.MaxToolInvokeDepth = Default().Tools.Wasm.MaxToolInvokeDepth
	}
	if cfg.Stores.MaxLogLines <= 0 {
		cfg.Stores.MaxLogLines = Default().Stores.MaxLogLines
	}
	if cfg.Coordinator.DefaultTimeoutMS <= 0 {
		cfg.Coordinator.DefaultTimeoutMS = Default().Coordinator.DefaultTimeoutMS
	}
	if cfg.Coordinator.MaxParallel <= 0 {
		cfg.Coordinator.MaxParallel = Default().Coordinator.MaxParallel
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Provider returns the provider config, or nil when unset.
func (c *Config) Provider(name string) *ProviderConfig {
	if c.Providers == nil {
		return nil
	}
	return c.Providers[name]
}
