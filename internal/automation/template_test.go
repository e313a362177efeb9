package automation

import (
	"testing"

	"github.com/render-automation/queue-core/internal/values"
)

func TestRenderSubstitutesKnownTokens(t *testing.T) {
	tmpl := values.Mapping(map[string]values.Value{
		"title": values.String("Hello {{title}}"),
		"fps":   values.Number(30),
	})
	payload := values.Mapping(map[string]values.Value{
		"title": values.String("world"),
	})

	out := Render(tmpl, payload)
	m, ok := out.MappingValue()
	if !ok {
		t.Fatalf("expected mapping result")
	}
	if got, _ := m["title"].StringValue(); got != "Hello world" {
		t.Fatalf("expected %q, got %q", "Hello world", got)
	}
	if n, _ := m["fps"].NumberValue(); n != 30 {
		t.Fatalf("expected fps to pass through unchanged, got %v", n)
	}
}

func TestRenderLeavesUnknownTokensLiteral(t *testing.T) {
	tmpl := values.String("hi {{missing}}")
	payload := values.Mapping(map[string]values.Value{"title": values.String("world")})

	out := Render(tmpl, payload)
	if got, _ := out.StringValue(); got != "hi {{missing}}" {
		t.Fatalf("expected unknown token left literal, got %q", got)
	}
}

func TestRenderRecursesThroughSequences(t *testing.T) {
	tmpl := values.Sequence([]values.Value{
		values.String("{{name}}"),
		values.Mapping(map[string]values.Value{"nested": values.String("{{name}}!")}),
	})
	payload := values.Mapping(map[string]values.Value{"name": values.String("ok")})

	out := Render(tmpl, payload)
	seq, ok := out.SequenceValue()
	if !ok || len(seq) != 2 {
		t.Fatalf("expected 2-element sequence result")
	}
	if got, _ := seq[0].StringValue(); got != "ok" {
		t.Fatalf("expected %q, got %q", "ok", got)
	}
	nested, _ := seq[1].MappingValue()
	if got, _ := nested["nested"].StringValue(); got != "ok!" {
		t.Fatalf("expected %q, got %q", "ok!", got)
	}
}
