// Package extensions loads extension manifests from configured paths and
// bridges their MCP stdio servers into the session tool registry.
package extensions

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

const manifestFile = "extension.json5"

// HookSpec declares a pre-compaction hook backed by one of the extension's
// own tools.
type HookSpec struct {
	Tool      string `json:"tool"`
	Priority  string `json:"priority,omitempty"` // low | normal | high
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// Manifest describes one extension directory.
type Manifest struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Trust       string            `json:"trust,omitempty"` // trusted (default) | untrusted
	ToolPrefix  string            `json:"tool_prefix,omitempty"`
	Hooks       []HookSpec        `json:"hooks,omitempty"`

	Dir string `json:"-"`
}

// LoadManifest reads and validates <dir>/extension.json5.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, manifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var mf Manifest
	if err := json5.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if mf.Name == "" {
		return nil, fmt.Errorf("manifest %s: name is required", path)
	}
	if mf.Command == "" {
		return nil, fmt.Errorf("manifest %s: command is required", path)
	}
	if mf.Trust == "" {
		mf.Trust = "trusted"
	}
	mf.Dir = dir
	return &mf, nil
}

// Discover finds manifests under the given extension paths. A path holding
// a manifest itself counts; otherwise its immediate subdirectories are
// checked. Missing paths are skipped.
func Discover(paths []string) ([]*Manifest, []error) {
	var manifests []*Manifest
	var problems []error

	for _, path := range paths {
		if _, err := os.Stat(filepath.Join(path, manifestFile)); err == nil {
			mf, err := LoadManifest(path)
			if err != nil {
				problems = append(problems, err)
				continue
			}
			manifests = append(manifests, mf)
			continue
		}

		entries, err := os.ReadDir(path)
		if err != nil {
			if !os.IsNotExist(err) {
				problems = append(problems, fmt.Errorf("read extension path %s: %w", path, err))
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			sub := filepath.Join(path, e.Name())
			if _, err := os.Stat(filepath.Join(sub, manifestFile)); err != nil {
				continue
			}
			mf, err := LoadManifest(sub)
			if err != nil {
				problems = append(problems, err)
				continue
			}
			manifests = append(manifests, mf)
		}
	}
	return manifests, problems
}
