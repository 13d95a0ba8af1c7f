package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"workflow-engine/api/pkg/jsonx"
)

// mergeData folds src into a copy of dst. Keys are replaced whole: a nested
// map in src overwrites the previous value rather than being merged into it.
func mergeData(dst map[string]any, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// lookupPath resolves a dotted path such as "user.address.city".
func lookupPath(data map[string]any, path string) (any, bool) {
	parts := strings.Split(strings.TrimSpace(path), ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

var templateVar = regexp.MustCompile(`\$\{([^}]+)\}`)

// renderTemplate substitutes ${path} references with values from data.
// Unresolved references are left untouched.
func renderTemplate(tmpl string, data map[string]any) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := templateVar.FindStringSubmatch(match)[1]
		v, ok := lookupPath(data, path)
		if !ok {
			return match
		}
		return stringify(v)
	})
}

// renderValue resolves templates inside parameter values. A string that is a
// single reference keeps the referenced value's type.
func renderValue(v any, data map[string]any) any {
	switch t := v.(type) {
	case string:
		if m := templateVar.FindStringSubmatch(t); m != nil && m[0] == t {
			if resolved, ok := lookupPath(data, m[1]); ok {
				return cloneValue(resolved)
			}
			return t
		}
		return renderTemplate(t, data)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = renderValue(e, data)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = renderValue(e, data)
		}
		return out
	default:
		return v
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		b, err := jsonx.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// toFloat64 converts numeric values produced by JSON, YAML or Go callers.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
