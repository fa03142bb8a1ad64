package tools

import "github.com/lemonhq/lemon/internal/providers"

// Result is the unified return type from tool execution.
type Result struct {
	Content   string         `json:"content"`             // content sent to the model
	IsError   bool           `json:"is_error"`            // marks error
	Cancelled bool           `json:"cancelled,omitempty"` // aborted or timed out
	Trust     string         `json:"trust,omitempty"`     // trusted unless set otherwise
	Details   map[string]any `json:"details,omitempty"`   // structured metadata for the tool_result entry
	Err       error          `json:"-"`                   // internal error (not serialized)
}

func NewResult(content string) *Result {
	return &Result{Content: content, Trust: providers.TrustTrusted}
}

func ErrorResult(message string) *Result {
	return &Result{Content: message, IsError: true, Trust: providers.TrustTrusted}
}

// UntrustedResult marks content that must pass the sentinel boundary before
// the model sees it again.
func UntrustedResult(content string) *Result {
	return &Result{Content: content, Trust: providers.TrustUntrusted}
}

// UntrustedErrorResult is a tool failure whose text originated outside the
// trust boundary.
func UntrustedErrorResult(message string) *Result {
	return &Result{Content: message, IsError: true, Trust: providers.TrustUntrusted}
}

// CancelledResult reports an aborted or timed-out execution. exitCode is nil
// on timeout.
func CancelledResult(message string, exitCode *int) *Result {
	details := map[string]any{"cancelled": true}
	if exitCode != nil {
		details["exit_code"] = *exitCode
	} else {
		details["exit_code"] = nil
	}
	return &Result{Content: message, IsError: true, Cancelled: true, Trust: providers.TrustTrusted, Details: details}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

func (r *Result) WithDetails(details map[string]any) *Result {
	r.Details = details
	return r
}

// Untrusted reports whether this result must be sentinel-wrapped.
func (r *Result) Untrusted() bool {
	return r.Trust == providers.TrustUntrusted
}
