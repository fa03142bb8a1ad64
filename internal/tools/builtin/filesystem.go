package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lemonhq/lemon/internal/tools"
)

const maxReadBytes = 512 * 1024

// resolvePath confines relative paths to the workspace. Absolute paths must
// already live under it.
func resolvePath(path, workspace string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, path)
	}
	resolved := filepath.Clean(path)
	root := filepath.Clean(workspace)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes workspace", path)
	}
	return resolved, nil
}

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	workspace string
}

func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{workspace: workspace}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Label() string { return "Read file" }
func (t *ReadFileTool) Description() string { return "Read a file from the workspace" }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path relative to the workspace",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	path, _ := args["path"].(string)
	if path == "" {
		return tools.ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	return tools.NewResult(string(data)).WithDetails(map[string]any{"path": resolved})
}

// WriteFileTool writes file contents inside the workspace.
type WriteFileTool struct {
	workspace string
}

func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{workspace: workspace}
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Label() string { return "Write file" }
func (t *WriteFileTool) Description() string { return "Write content to a file in the workspace" }

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path relative to the workspace",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return tools.ErrorResult("path is required")
	}
	resolved, err := resolvePath(path, t.workspace)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return tools.ErrorResult(fmt.Sprintf("create parent dir: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return tools.ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return tools.NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path)).
		WithDetails(map[string]any{"path": resolved, "bytes": len(content)})
}

// ListFilesTool lists a workspace directory.
type ListFilesTool struct {
	workspace string
}

func NewListFilesTool(workspace string) *ListFilesTool {
	return &ListFilesTool{workspace: workspace}
}

func (t *ListFilesTool) Name() string { return "list_files" }
func (t *ListFilesTool) Label() string { return "List files" }
func (t *ListFilesTool) Description() string { return "List directory entries in the workspace" }

func (t *ListFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory path relative to the workspace, defaults to the root",
			},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(path, t.workspace)
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("list %s: %v", path, err))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return tools.NewResult(strings.Join(names, "\n")).
		WithDetails(map[string]any{"path": resolved, "count": len(names)})
}
