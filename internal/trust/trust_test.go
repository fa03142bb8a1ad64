package trust

import (
	"reflect"
	"strings"
	"testing"

	"github.com/lemonhq/lemon/internal/providers"
)

func untrustedResult(text string) providers.Message {
	return providers.Message{
		Role:    providers.RoleToolResult,
		Trust:   providers.TrustUntrusted,
		Content: []providers.ContentBlock{{Type: providers.BlockText, Text: text}},
	}
}

func TestWrapMessages_WrapsUntrustedToolResults(t *testing.T) {
	msgs := []providers.Message{untrustedResult("fetched page body")}

	got := WrapMessages(msgs)

	text := got[0].Content[0].Text
	if !strings.HasPrefix(text, StartMarker) {
		t.Fatalf("expected start marker prefix, got: %q", text)
	}
	if !strings.HasSuffix(text, EndMarker) {
		t.Errorf("expected end marker suffix, got: %q", text)
	}
	if !strings.Contains(text, "fetched page body") {
		t.Errorf("original content missing from wrapped text: %q", text)
	}
	// Input must not be mutated.
	if msgs[0].Content[0].Text != "fetched page body" {
		t.Errorf("input slice was mutated: %q", msgs[0].Content[0].Text)
	}
}

func TestWrapMessages_Idempotent(t *testing.T) {
	msgs := []providers.Message{untrustedResult("payload")}

	once := WrapMessages(msgs)
	twice := WrapMessages(once)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("wrap(wrap(m)) != wrap(m):\nonce:  %v\ntwice: %v", once, twice)
	}
	if n := strings.Count(twice[0].Content[0].Text, StartMarker); n != 1 {
		t.Errorf("expected exactly one start marker, found %d", n)
	}
}

func TestWrapMessages_PassThrough(t *testing.T) {
	msgs := []providers.Message{
		providers.TextMessage(providers.RoleUser, "hello"),
		providers.TextMessage(providers.RoleAssistant, "hi"),
		{
			Role:    providers.RoleToolResult,
			Trust:   providers.TrustTrusted,
			Content: []providers.ContentBlock{{Type: providers.BlockText, Text: "trusted output"}},
		},
	}

	got := WrapMessages(msgs)

	for i := range got {
		if strings.Contains(got[i].Text(), StartMarker) {
			t.Errorf("message %d should not be wrapped: %q", i, got[i].Text())
		}
	}
}

func TestWrapMessages_NonTextBlocksUntouched(t *testing.T) {
	m := providers.Message{
		Role:  providers.RoleToolResult,
		Trust: providers.TrustUntrusted,
		Content: []providers.ContentBlock{
			{Type: providers.BlockText, Text: "wrap me"},
			{Type: providers.BlockImage, Image: &providers.ImageContent{MimeType: "image/png", Data: "aaaa"}},
		},
	}

	got := WrapMessages([]providers.Message{m})

	if !IsWrapped(got[0].Content[0].Text) {
		t.Errorf("text block not wrapped")
	}
	if got[0].Content[1].Image == nil || got[0].Content[1].Image.Data != "aaaa" {
		t.Errorf("image block modified: %+v", got[0].Content[1])
	}
}

func TestMetadataMap_SnakeCase(t *testing.T) {
	md := Metadata{
		Source:          "web_fetch",
		SourceLabel:     "Web Fetch",
		WarningIncluded: true,
		WrappedFields:   []string{"content", "", "details.body"},
	}

	got := md.Map(SnakeCase)

	if got["untrusted"] != true || got["wrapping_applied"] != true {
		t.Errorf("boolean flags wrong: %v", got)
	}
	if got["source"] != "web_fetch" || got["source_label"] != "Web Fetch" {
		t.Errorf("source fields wrong: %v", got)
	}
	fields, ok := got["wrapped_fields"].([]string)
	if !ok || !reflect.DeepEqual(fields, []string{"content", "details.body"}) {
		t.Errorf("empty field paths not filtered: %v", got["wrapped_fields"])
	}
}

func TestMetadataMap_CamelCase(t *testing.T) {
	md := Metadata{Source: "web_fetch", SourceLabel: "Web Fetch"}

	got := md.Map(CamelCase)

	for _, key := range []string{"sourceLabel", "wrappingApplied", "warningIncluded", "wrappedFields"} {
		if _, ok := got[key]; !ok {
			t.Errorf("missing camelCase key %q in %v", key, got)
		}
	}
	if _, ok := got["source_label"]; ok {
		t.Errorf("snake_case key leaked into camelCase output: %v", got)
	}
}
