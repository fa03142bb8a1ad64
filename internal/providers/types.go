package providers

import "time"

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "tool_result"
	RoleSystem     = "system"
)

// Trust levels attached to tool results.
const (
	TrustTrusted   = "trusted"
	TrustUntrusted = "untrusted"
)

// Content block types.
const (
	BlockText     = "text"
	BlockToolCall = "tool_call"
	BlockImage    = "image"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ImageContent is a base64-encoded image block.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ContentBlock is one ordered element of a message body.
type ContentBlock struct {
	Type  string        `json:"type"`
	Text  string        `json:"text,omitempty"`
	Call  *ToolCall     `json:"call,omitempty"`
	Image *ImageContent `json:"image,omitempty"`
}

// Usage tracks token consumption and cost for one model response.
type Usage struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	TotalTokens  int     `json:"total_tokens"`
	Cost         float64 `json:"cost,omitempty"`
}

// Message is one conversation message. Tool results carry ToolCallID,
// a Trust tag, and optional execution details.
type Message struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Trust      string         `json:"trust,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp,omitempty"`
}

// TextMessage builds a single-block text message.
func TextMessage(role, text string) Message {
	return Message{
		Role:      role,
		Content:   []ContentBlock{{Type: BlockText, Text: text}},
		Timestamp: time.Now().UTC(),
	}
}

// Text concatenates all text blocks of the message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns all tool-call blocks of the message.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Content {
		if b.Type == BlockToolCall && b.Call != nil {
			calls = append(calls, *b.Call)
		}
	}
	return calls
}

// ToolDefinition describes a tool exposed to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Label       string         `json:"label,omitempty"`
}
