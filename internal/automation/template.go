package automation

import (
	"regexp"

	"github.com/render-automation/queue-core/internal/values"
)

// tokenPattern matches {{key}} tokens: double braces, identifier characters
// only (spec.md §4.3.1 — "no expressions, no escaping syntax").
var tokenPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// Render recursively applies payload to tmpl: string scalars have their
// {{key}} tokens substituted with the string form of payload's matching
// field (unknown keys are left literal), non-string scalars pass through
// unchanged, and mappings/sequences recurse field-by-field/element-by-element.
func Render(tmpl, payload values.Value) values.Value {
	switch tmpl.Kind() {
	case values.KindString:
		s, _ := tmpl.StringValue()
		return values.String(interpolate(s, payload))
	case values.KindMapping:
		m, _ := tmpl.MappingValue()
		out := make(map[string]values.Value, len(m))
		for k, v := range m {
			out[k] = Render(v, payload)
		}
		return values.Mapping(out)
	case values.KindSequence:
		seq, _ := tmpl.SequenceValue()
		out := make([]values.Value, len(seq))
		for i, v := range seq {
			out[i] = Render(v, payload)
		}
		return values.Sequence(out)
	default:
		return tmpl
	}
}

func interpolate(s string, payload values.Value) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-2]
		v, present := payload.Lookup(key)
		if !present {
			return match
		}
		return v.String()
	})
}
