package tools

import (
	"context"
	"strings"
	"testing"
)

type stubTool struct {
	name   string
	result *Result
}

func (s stubTool) Name() string { return s.name }
func (s stubTool) Description() string { return "stub " + s.name }
func (s stubTool) Parameters() map[string]any {
	return map[string]any{"type": "object"}
}
func (s stubTool) Execute(ctx context.Context, args map[string]any) *Result {
	return s.result
}

func TestRegistryRegisterAndExecute(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool{name: "echo", result: NewResult("hi")}, SourceLocal)

	res := r.Execute(context.Background(), "echo", nil)
	if res.IsError || res.Content != "hi" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "nope", nil)
	if !res.IsError || !strings.Contains(res.Content, "unknown tool") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRegistryUnregisterSource(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool{name: "a"}, SourceLocal)
	r.Register(stubTool{name: "b"}, SourceSidecar)
	r.Register(stubTool{name: "c"}, SourceSidecar)

	removed := r.UnregisterSource(SourceSidecar)
	if len(removed) != 2 || removed[0] != "b" || removed[1] != "c" {
		t.Fatalf("removed = %v", removed)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "a" {
		t.Fatalf("names = %v", names)
	}
}

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(stubTool{name: "zeta"}, SourceLocal)
	r.Register(stubTool{name: "alpha"}, SourceExtension)

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Fatalf("definitions = %+v", defs)
	}
	if defs[0].Description == "" || defs[0].Parameters == nil {
		t.Fatalf("definition missing fields: %+v", defs[0])
	}
}
