package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lemonhq/lemon/internal/tools"
)

const (
	fetchMaxChars     = 50000
	fetchMaxRedirects = 3
	fetchTimeout      = 30 * time.Second
)

// WebFetchTool fetches a URL and returns its body. Everything it returns is
// external content, so results are always untrusted.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		client: &http.Client{
			Timeout: fetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= fetchMaxRedirects {
					return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
				}
				return nil
			},
		},
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Label() string { return "Fetch URL" }
func (t *WebFetchTool) Description() string { return "Fetch a URL and return its text content" }

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The http(s) URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	raw, _ := args["url"].(string)
	if raw == "" {
		return tools.ErrorResult("url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return tools.ErrorResult(fmt.Sprintf("invalid url: %s", raw))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("build request: %v", err))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return tools.UntrustedErrorResult(fmt.Sprintf("fetch %s: %v", raw, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxChars))
	if err != nil {
		return tools.UntrustedErrorResult(fmt.Sprintf("read body: %v", err))
	}

	res := tools.UntrustedResult(string(body))
	if resp.StatusCode >= 400 {
		res = tools.UntrustedErrorResult(fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, string(body)))
	}
	return res.WithDetails(map[string]any{
		"url":    raw,
		"status": resp.StatusCode,
		"bytes":  len(body),
	})
}
