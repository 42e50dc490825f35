// Package variables implements {{name}} placeholder substitution for prompt
// templates. Substitution is a single pass over the input: resolved values
// are never re-scanned, so a value containing {{...}} cannot inject a second
// round of substitution.
package variables

import (
	"fmt"
	"strings"
)

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// Substitute replaces {{name}} tokens with values from scope. Token names
// are whitespace-trimmed and case-sensitive. Tokens with no matching scope
// entry are left verbatim, which keeps partial previews working; an
// unresolved token is a policy outcome, not an error.
func Substitute(template string, scope map[string]any) string {
	if !strings.Contains(template, openMarker) {
		return template
	}

	var out strings.Builder

	out.Grow(len(template))

	rest := template

	for {
		start := strings.Index(rest, openMarker)
		if start == -1 {
			out.WriteString(rest)

			break
		}

		end := strings.Index(rest[start+len(openMarker):], closeMarker)
		if end == -1 {
			out.WriteString(rest)

			break
		}

		end += start + len(openMarker)

		name := strings.TrimSpace(rest[start+len(openMarker) : end])

		value, ok := scope[name]
		if !ok || name == "" {
			// Fail open: emit the token untouched.
			out.WriteString(rest[:end+len(closeMarker)])
		} else {
			out.WriteString(rest[:start])
			out.WriteString(stringify(value))
		}

		rest = rest[end+len(closeMarker):]
	}

	return out.String()
}

// Referenced returns the distinct token names in template, in first-seen
// order. Used at chain load to flag references to undeclared variables.
func Referenced(template string) []string {
	var names []string

	seen := make(map[string]struct{})
	rest := template

	for {
		start := strings.Index(rest, openMarker)
		if start == -1 {
			break
		}

		end := strings.Index(rest[start+len(openMarker):], closeMarker)
		if end == -1 {
			break
		}

		end += start + len(openMarker)

		name := strings.TrimSpace(rest[start+len(openMarker) : end])
		if name != "" {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}

				names = append(names, name)
			}
		}

		rest = rest[end+len(closeMarker):]
	}

	return names
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
