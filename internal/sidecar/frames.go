package sidecar

import "encoding/json"

// Wire protocol: one JSON object per line over the runtime's stdin/stdout.
// Requests carry a correlation id; the runtime answers with a response frame
// bearing the same id, or emits event frames mid-invoke.

// Request type tags.
const (
	reqHello          = "hello"
	reqDiscover       = "discover"
	reqInvoke         = "invoke"
	reqHostCallResult = "host_call_result"
	reqShutdown       = "shutdown"
)

// Inbound frame type tags.
const (
	frameResponse = "response"
	frameEvent    = "event"

	eventHostCall = "host_call"
)

// DiscoverDefaults carries the global execution limits for sandboxed tools.
type DiscoverDefaults struct {
	DefaultMemoryLimit int64  `json:"default_memory_limit"`
	DefaultTimeoutMS   int    `json:"default_timeout_ms"`
	DefaultFuelLimit   int64  `json:"default_fuel_limit"`
	CacheCompiled      bool   `json:"cache_compiled"`
	CacheDir           string `json:"cache_dir,omitempty"`
	MaxToolInvokeDepth int    `json:"max_tool_invoke_depth"`
}

type helloRequest struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Version uint32 `json:"version"`
}

type discoverRequest struct {
	Type     string           `json:"type"`
	ID       string           `json:"id"`
	Paths    []string         `json:"paths"`
	Defaults DiscoverDefaults `json:"defaults"`
}

type invokeRequest struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Tool        string `json:"tool"`
	ParamsJSON  string `json:"params_json"`
	ContextJSON string `json:"context_json,omitempty"`
}

type hostCallResultRequest struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	CallID     string `json:"call_id"`
	OK         bool   `json:"ok"`
	OutputJSON string `json:"output_json,omitempty"`
	Error      string `json:"error,omitempty"`
}

type shutdownRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// frame is any inbound line from the runtime.
type frame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// event frames
	Event      string `json:"event,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Tool       string `json:"tool,omitempty"`
	ParamsJSON string `json:"params_json,omitempty"`
}

// ToolDescriptor describes one sandboxed tool reported by discover.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Path         string          `json:"path"`
	Description  string          `json:"description"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Warnings     []string        `json:"warnings,omitempty"`
}

// HasCapability reports whether the descriptor declares cap.
func (d ToolDescriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Capability names gated by the tool policy.
const (
	CapWorkspaceRead = "workspace_read"
	CapHTTP          = "http"
	CapToolInvoke    = "tool_invoke"
	CapSecrets       = "secrets"
)

// HelloResult is the handshake response payload.
type HelloResult struct {
	Version uint32 `json:"version"`
	Name    string `json:"name,omitempty"`
}

// DiscoverResult is the discover response payload.
type DiscoverResult struct {
	Tools    []ToolDescriptor `json:"tools"`
	Warnings []string         `json:"warnings,omitempty"`
	Errors   []string         `json:"errors,omitempty"`
}

// InvokeResult is the invoke response payload. Error is the sandboxed
// tool's own failure; a transport failure surfaces as a Go error instead.
type InvokeResult struct {
	OutputJSON string         `json:"output_json,omitempty"`
	Error      string         `json:"error,omitempty"`
	Logs       []string       `json:"logs,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}
