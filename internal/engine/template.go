package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Substitute replaces {{key}} placeholders with the string form of the
// matching variable. Unresolved placeholders are left verbatim.
func Substitute(s string, vars map[string]interface{}) string {
	if s == "" || !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		key := strings.TrimSpace(strings.Trim(match, "{}"))
		if v, ok := vars[key]; ok {
			return stringify(v)
		}
		return match
	})
}

// stringify renders a variable for template insertion. Floats drop trailing
// zeros so {{count}} with 3.0 reads "3".
func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
