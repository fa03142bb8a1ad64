package extensions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/lemonhq/lemon/internal/hooks"
	"github.com/lemonhq/lemon/internal/tools"
)

const extCallTimeout = 60 * time.Second

// toolCaller is the slice of the MCP client the bridge needs; tests swap in
// a fake.
type toolCaller interface {
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

type extensionState struct {
	manifest  *Manifest
	client    *mcpclient.Client
	toolNames []string
	lastErr   string
}

// Status reports one extension's connection state.
type Status struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// Manager owns the MCP server connections behind a session's extensions.
type Manager struct {
	mu       sync.Mutex
	registry *tools.Registry
	exts     map[string]*extensionState
}

func NewManager(registry *tools.Registry) *Manager {
	return &Manager{registry: registry, exts: make(map[string]*extensionState)}
}

// LoadAll discovers manifests under paths and connects each extension.
// Individual failures are recorded, not fatal.
func (m *Manager) LoadAll(ctx context.Context, paths []string) {
	manifests, problems := Discover(paths)
	for _, err := range problems {
		slog.Warn("extensions.manifest.invalid", "error", err)
	}
	for _, mf := range manifests {
		if err := m.connect(ctx, mf); err != nil {
			slog.Warn("extensions.connect_failed", "extension", mf.Name, "error", err)
			m.mu.Lock()
			m.exts[mf.Name] = &extensionState{manifest: mf, lastErr: err.Error()}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) connect(ctx context.Context, mf *Manifest) error {
	env := make([]string, 0, len(mf.Env))
	for k, v := range mf.Env {
		env = append(env, k+"="+v)
	}
	client, err := mcpclient.NewStdioMCPClient(mf.Command, env, mf.Args...)
	if err != nil {
		return fmt.Errorf("spawn server: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "lemon", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	var names []string
	for _, mt := range listed.Tools {
		bridge := newExtTool(mf, mt, client)
		if _, exists := m.registry.Get(bridge.Name()); exists {
			slog.Warn("extensions.tool.name_collision", "extension", mf.Name, "tool", bridge.Name())
			continue
		}
		m.registry.Register(bridge, tools.SourceExtension)
		names = append(names, bridge.Name())
	}
	sort.Strings(names)

	m.mu.Lock()
	m.exts[mf.Name] = &extensionState{manifest: mf, client: client, toolNames: names}
	m.mu.Unlock()

	slog.Info("extensions.connected", "extension", mf.Name, "tools", len(names))
	return nil
}

// UnloadAll closes every extension and removes its tools.
func (m *Manager) UnloadAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ext := range m.exts {
		if ext.client != nil {
			ext.client.Close()
		}
		for _, toolName := range ext.toolNames {
			m.registry.Unregister(toolName)
		}
		slog.Debug("extensions.unloaded", "extension", name, "tools", len(ext.toolNames))
	}
	m.exts = make(map[string]*extensionState)
}

// Reload tears everything down and loads the paths fresh.
func (m *Manager) Reload(ctx context.Context, paths []string) {
	m.UnloadAll()
	m.LoadAll(ctx, paths)
}

// ToolNames returns every registered extension tool name, sorted.
func (m *Manager) ToolNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, ext := range m.exts {
		names = append(names, ext.toolNames...)
	}
	sort.Strings(names)
	return names
}

// Statuses reports each extension's state, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.exts))
	for name, ext := range m.exts {
		out = append(out, Status{
			Name:      name,
			Connected: ext.client != nil,
			ToolCount: len(ext.toolNames),
			Error:     ext.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterHooks registers every manifest-declared hook for the session.
// Each hook calls the extension tool it names; a hook whose tool never got
// registered is skipped.
func (m *Manager) RegisterHooks(reg *hooks.Registry, sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, ext := range m.exts {
		if ext.client == nil {
			continue
		}
		for _, spec := range ext.manifest.Hooks {
			toolName := ext.manifest.ToolPrefix + spec.Tool
			if _, ok := m.registry.Get(toolName); !ok {
				slog.Warn("extensions.hook.tool_missing", "extension", ext.manifest.Name, "tool", toolName)
				continue
			}
			fn := m.hookFunc(toolName)
			id := reg.Register(sessionID, fn, hooks.Options{
				Priority: hooks.ParsePriority(spec.Priority),
				Timeout:  time.Duration(spec.TimeoutMS) * time.Millisecond,
			})
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) hookFunc(toolName string) hooks.Func {
	return func(ctx context.Context, args map[string]any) error {
		res := m.registry.Execute(ctx, toolName, args)
		if res.IsError {
			return fmt.Errorf("hook tool %s: %s", toolName, res.Content)
		}
		return nil
	}
}
