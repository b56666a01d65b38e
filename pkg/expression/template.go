package expression

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// ExpandTemplate replaces every {{ref}} placeholder with the stringified
// value of the reference resolved against the context. Unresolvable
// placeholders are left in place so the output makes the gap visible.
func ExpandTemplate(s string, ctx *Context) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}"))
		if v, ok := ctx.Resolve(inner); ok {
			return Stringify(v)
		}
		return match
	})
}

// Stringify renders a value the way prompts and comparisons expect: bare
// strings stay bare, numbers drop trailing zeros, composites become JSON.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
