// Package protocol defines the wire names and envelopes shared by the
// gateway and its clients.
package protocol

import "encoding/json"

// ProtocolVersion is reported by the health endpoint.
const ProtocolVersion = 1

// Stream event names forwarded over a session socket, in the order a
// well-behaved turn emits them.
const (
	EventStart         = "start"
	EventTextStart     = "text_start"
	EventTextDelta     = "text_delta"
	EventTextEnd       = "text_end"
	EventToolCallStart = "tool_call_start"
	EventToolCallEnd   = "tool_call_end"
	EventMessageEnd    = "message_end"
)

// Terminal frame names. Every turn ends with exactly one.
const (
	FrameAgentEnd = "agent_end"
	FrameCanceled = "canceled"
	FrameError    = "error"
)

// Client→server method names.
const (
	MethodPrompt = "session.prompt"
	MethodSteer  = "session.steer"
	MethodAbort  = "session.abort"
	MethodState  = "session.state"
	MethodStats  = "session.stats"
)

// Request is a client→server command on a session socket.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request.
type Response struct {
	Type  string `json:"type"` // always "response"
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Result any   `json:"result,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewResponse builds a successful response.
func NewResponse(id string, result any) *Response {
	return &Response{Type: "response", ID: id, OK: true, Result: result}
}

// ErrorResponse builds a failed response.
func ErrorResponse(id, message string) *Response {
	return &Response{Type: "response", ID: id, OK: false, Error: message}
}

// EventFrame is a server→client push carrying one session frame.
type EventFrame struct {
	Type    string `json:"type"` // always "event"
	Session string `json:"session"`
	Frame   any    `json:"frame"`
}

// NewEvent wraps a session frame for the wire.
func NewEvent(sessionID string, frame any) *EventFrame {
	return &EventFrame{Type: "event", Session: sessionID, Frame: frame}
}
