package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
)

var placeholderRE = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// renderTemplate substitutes {{key}} placeholders with the matching input
// value. Scalars render bare; composite values render as JSON. Unknown keys
// render as the empty string, matching the planner's loose contract.
func renderTemplate(tmpl string, inputs map[string]any) string {
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholderRE.FindStringSubmatch(m)[1]
		v, ok := inputs[key]
		if !ok {
			return ""
		}
		switch val := v.(type) {
		case string:
			return val
		case nil:
			return ""
		case float64, int, int64, bool:
			return fmt.Sprint(val)
		default:
			data, err := json.Marshal(val)
			if err != nil {
				return fmt.Sprint(val)
			}
			return string(data)
		}
	})
}
