package providers

import "context"

// Stream event types, in the order a well-behaved stream emits them.
const (
	EventStart         = "start"
	EventTextStart     = "text_start"
	EventTextDelta     = "text_delta"
	EventTextEnd       = "text_end"
	EventToolCallStart = "tool_call_start"
	EventToolCallEnd   = "tool_call_end"
	EventMessageEnd    = "message_end"
	EventAgentEnd      = "agent_end"
	EventError         = "error"
	EventCanceled      = "canceled"
)

// Stop reasons carried on message_end / done frames.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
	StopAborted = "aborted"
)

// ErrorCodeOverflow is the assistant error code signalling that the
// conversation no longer fits the model's context window.
const ErrorCodeOverflow = "context_length_exceeded"

// ModelRef identifies a model at one provider.
type ModelRef struct {
	Provider      string `json:"provider"`
	ID            string `json:"id"`
	ContextWindow int    `json:"context_window,omitempty"`
}

// StreamOpts carries per-call options for a stream function.
type StreamOpts struct {
	APIKey string
	Tools  []ToolDefinition
}

// StreamEvent is one frame of a model stream. Which fields are set
// depends on Type.
type StreamEvent struct {
	Type string `json:"type"`

	Index int    `json:"index,omitempty"` // text_* and tool_call_* frames
	Text  string `json:"text,omitempty"`  // text_delta

	Call *ToolCall `json:"call,omitempty"` // tool_call_start / tool_call_end

	Message *Message `json:"message,omitempty"` // message_end

	Messages []Message `json:"messages,omitempty"` // agent_end

	// error / canceled frames
	Reason       string         `json:"reason,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	PartialState map[string]any `json:"partial_state,omitempty"`
}

// StreamFn produces an ordered stream of events for one model turn.
// The returned channel is closed by the producer after the last frame.
// Implementations must honor ctx cancellation.
type StreamFn func(ctx context.Context, model ModelRef, history []Message, opts StreamOpts) (<-chan StreamEvent, error)
