package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lemonhq/lemon/internal/coordinator"
	"github.com/lemonhq/lemon/internal/providers"
	"github.com/lemonhq/lemon/internal/sidecar"
	"github.com/lemonhq/lemon/internal/tools"
)

// dispatchTools executes the model's requested calls in order and appends
// one tool result entry per call. Each result is also forwarded to
// subscribers as a message_end frame.
func (a *Actor) dispatchTools(ctx context.Context, calls []providers.ToolCall) {
	for _, call := range calls {
		if ctx.Err() != nil {
			return
		}
		res := a.registry.Execute(ctx, call.Name, call.Arguments)

		msg := providers.Message{
			Role:       providers.RoleToolResult,
			Content:    []providers.ContentBlock{{Type: providers.BlockText, Text: res.Content}},
			ToolCallID: call.ID,
			Trust:      res.Trust,
			Details:    res.Details,
			Timestamp:  time.Now().UTC(),
		}
		if res.IsError {
			if msg.Details == nil {
				msg.Details = map[string]any{}
			}
			msg.Details["is_error"] = true
		}
		a.conv.Append(EntryToolResult, msg)
		a.subs.forward(Frame{Type: providers.EventMessageEnd, Event: &providers.StreamEvent{
			Type:    providers.EventMessageEnd,
			Message: &msg,
		}})
	}
}

// hostCall serves non-reserved host tools requested by the sandbox mid
// invoke. Sandbox tools themselves are not reachable this way; nesting
// depth is enforced by the channel.
func (a *Actor) hostCall(ctx context.Context, tool, paramsJSON string) (string, error) {
	if src, ok := a.registry.Source(tool); ok && src == tools.SourceSidecar {
		return "", fmt.Errorf("tool %q is not host-callable", tool)
	}

	var args map[string]any
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &args); err != nil {
			return "", fmt.Errorf("bad host call params: %w", err)
		}
	}

	res := a.registry.Execute(ctx, tool, args)
	if res.IsError {
		return "", fmt.Errorf("%s", res.Content)
	}
	out, err := json.Marshal(map[string]any{"content": res.Content, "details": res.Details})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// sidecarTool exposes one sandbox tool through the registry. Results are
// always untrusted; capability-gated tools clear the policy gate first.
type sidecarTool struct {
	desc sidecar.ToolDescriptor
	ch   *sidecar.Channel
	gate *tools.Gate
}

func newSidecarTool(desc sidecar.ToolDescriptor, ch *sidecar.Channel, gate *tools.Gate) *sidecarTool {
	return &sidecarTool{desc: desc, ch: ch, gate: gate}
}

func (s *sidecarTool) Name() string { return s.desc.Name }
func (s *sidecarTool) Description() string { return s.desc.Description }
func (s *sidecarTool) Label() string { return "sandbox: " + s.desc.Name }

func (s *sidecarTool) Parameters() map[string]any {
	var params map[string]any
	if len(s.desc.Schema) > 0 {
		_ = json.Unmarshal(s.desc.Schema, &params)
	}
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	return params
}

func (s *sidecarTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	if err := s.gate.Authorize(s.desc.Name, s.desc.Capabilities); err != nil {
		return tools.ErrorResult(fmt.Sprintf("tool %s: %v", s.desc.Name, err))
	}

	paramsJSON := "{}"
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return tools.ErrorResult(fmt.Sprintf("encode arguments: %v", err))
		}
		paramsJSON = string(raw)
	}

	res, err := s.ch.Invoke(ctx, s.desc.Name, paramsJSON, "")
	if err != nil {
		return tools.UntrustedErrorResult(fmt.Sprintf("sandbox unavailable: %v", err))
	}
	if res.Error != "" {
		return tools.UntrustedErrorResult(res.Error)
	}

	out := tools.UntrustedResult(res.OutputJSON)
	details := map[string]any{}
	if len(res.Logs) > 0 {
		details["logs"] = res.Logs
	}
	for k, v := range res.Details {
		details[k] = v
	}
	if len(details) > 0 {
		out = out.WithDetails(details)
	}
	return out
}

// subagentsTool fans a batch of subagent specs out through the coordinator.
type subagentsTool struct {
	actor *Actor
}

func (s *subagentsTool) Name() string { return "subagents" }

func (s *subagentsTool) Description() string {
	return "Run a batch of subagents concurrently and collect their results in order."
}

func (s *subagentsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"specs": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":       map[string]any{"type": "string"},
						"prompt":     map[string]any{"type": "string"},
						"timeout_ms": map[string]any{"type": "integer"},
					},
					"required": []string{"type", "prompt"},
				},
			},
		},
		"required": []string{"specs"},
	}
}

func (s *subagentsTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	a := s.actor
	if a.opts.Tracker != nil && !a.opts.Tracker.CanSpawnChild(a.id) {
		return tools.ErrorResult("child budget exhausted")
	}

	specs, err := decodeSpecs(args["specs"])
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	if len(specs) == 0 {
		return tools.ErrorResult("specs must not be empty")
	}

	if a.opts.Tracker != nil {
		for range specs {
			a.opts.Tracker.ChildStarted(a.id, "")
		}
	}
	results := a.opts.Coordinator.Run(ctx, specs)
	if a.opts.Tracker != nil {
		for _, r := range results {
			a.opts.Tracker.ChildCompleted(a.id, r.SessionID)
		}
	}

	out, err := json.Marshal(map[string]any{"results": results})
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	slog.Info("session.subagents.done", "session", a.id, "specs", len(specs))
	return tools.NewResult(string(out)).WithDetails(map[string]any{"count": len(results)})
}

// decodeSpecs converts the raw JSON-shaped argument into coordinator specs.
func decodeSpecs(raw any) ([]coordinator.Spec, error) {
	if raw == nil {
		return nil, fmt.Errorf("specs is required")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("bad specs: %w", err)
	}
	var specs []coordinator.Spec
	if err := json.Unmarshal(encoded, &specs); err != nil {
		return nil, fmt.Errorf("bad specs: %w", err)
	}
	return specs, nil
}
