package extensions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/lemonhq/lemon/internal/providers"
	"github.com/lemonhq/lemon/internal/tools"
)

// extTool bridges one MCP tool into the uniform tool shape. The manifest's
// trust level carries through to every result.
type extTool struct {
	name        string
	original    string
	description string
	params      map[string]any
	trust       string
	label       string
	caller      toolCaller
	timeout     time.Duration
}

func newExtTool(mf *Manifest, mt mcpgo.Tool, caller toolCaller) *extTool {
	params := schemaToMap(mt.InputSchema)
	trust := providers.TrustTrusted
	if mf.Trust == "untrusted" {
		trust = providers.TrustUntrusted
	}
	return &extTool{
		name:        mf.ToolPrefix + mt.Name,
		original:    mt.Name,
		description: mt.Description,
		params:      params,
		trust:       trust,
		label:       mf.Name + ": " + mt.Name,
		caller:      caller,
		timeout:     extCallTimeout,
	}
}

func schemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return map[string]any{"type": "object"}
	}
	return out
}

func (t *extTool) Name() string { return t.name }
func (t *extTool) Label() string { return t.label }
func (t *extTool) Description() string { return t.description }
func (t *extTool) Parameters() map[string]any { return t.params }

func (t *extTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.original
	req.Params.Arguments = args

	res, err := t.caller.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("extension tool %s: %v", t.name, err)).WithError(err)
	}

	text := extractText(res)
	if res.IsError {
		if t.trust == providers.TrustUntrusted {
			return tools.UntrustedErrorResult(text)
		}
		return tools.ErrorResult(text)
	}

	out := tools.NewResult(text)
	out.Trust = t.trust
	return out
}

func extractText(res *mcpgo.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
