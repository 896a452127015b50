package prompt

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

const pathExpr = `[A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*`

var (
	variablePattern    = regexp.MustCompile(`\{\{\s*(` + pathExpr + `)\s*\}\}`)
	placeholderPattern = regexp.MustCompile(`^\s*` + pathExpr + `\s*$`)
)

// Render replaces {{a.b.c}} placeholders with values looked up in vars.
// Numeric segments index into arrays. A path that cannot be resolved is left
// in place verbatim and returned in unresolved, once per distinct path.
func Render(template string, vars any) (rendered string, unresolved []string) {
	seen := make(map[string]bool)
	rendered = variablePattern.ReplaceAllStringFunc(template, func(match string) string {
		path := variablePattern.FindStringSubmatch(match)[1]
		val, ok := lookupPath(vars, strings.Split(path, "."))
		if !ok {
			if !seen[path] {
				seen[path] = true
				unresolved = append(unresolved, path)
			}
			return match
		}
		return formatValue(val)
	})
	return rendered, unresolved
}

// ExtractVariables returns the distinct placeholder paths in the template.
func ExtractVariables(template string) []string {
	matches := variablePattern.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool)
	var vars []string
	for _, m := range matches {
		if !seen[m[1]] {
			vars = append(vars, m[1])
			seen[m[1]] = true
		}
	}
	return vars
}

// ValidateTemplate checks that every "{{" is closed and wraps a dot path.
// Stray "}}" outside a placeholder is treated as literal text.
func ValidateTemplate(template string) error {
	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open == -1 {
			return nil
		}
		body := rest[open+2:]
		end := strings.Index(body, "}}")
		if end == -1 {
			return fmt.Errorf("unclosed placeholder at %q", excerpt(rest[open:]))
		}
		inner := body[:end]
		if strings.Contains(inner, "{{") || !placeholderPattern.MatchString(inner) {
			return fmt.Errorf("malformed placeholder {{%s}}", inner)
		}
		rest = body[end+2:]
	}
}

func excerpt(s string) string {
	if len(s) > 24 {
		return s[:24] + "..."
	}
	return s
}

// lookupPath walks v along path. A present null value is found; descending
// through it is not.
func lookupPath(v any, path []string) (any, bool) {
	if len(path) == 0 {
		return v, true
	}
	seg, rest := path[0], path[1:]

	switch t := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		child, ok := t[seg]
		if !ok {
			return nil, false
		}
		return lookupPath(child, rest)
	case map[string]string:
		child, ok := t[seg]
		if !ok {
			return nil, false
		}
		return lookupPath(child, rest)
	case []any:
		i, ok := index(seg, len(t))
		if !ok {
			return nil, false
		}
		return lookupPath(t[i], rest)
	case []string:
		i, ok := index(seg, len(t))
		if !ok {
			return nil, false
		}
		return lookupPath(t[i], rest)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		child := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !child.IsValid() {
			return nil, false
		}
		return lookupPath(child.Interface(), rest)
	case reflect.Slice, reflect.Array:
		i, ok := index(seg, rv.Len())
		if !ok {
			return nil, false
		}
		return lookupPath(rv.Index(i).Interface(), rest)
	}
	return nil, false
}

func index(seg string, n int) (int, bool) {
	i, err := strconv.Atoi(seg)
	if err != nil || i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t)
	case json.Number:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
