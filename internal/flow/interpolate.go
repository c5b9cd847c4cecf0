// Package flow implements the conversational bot flow execution engine.
package flow

import (
	"regexp"
	"strings"

	"github.com/chatfuse/botflow/internal/models"
)

// placeholderPattern matches {{contact.Name}} and {{variable}} placeholders,
// tolerating surrounding whitespace inside the braces.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// contactPrefix marks placeholders resolved from contact fields rather than
// session variables.
const contactPrefix = "contact."

// Interpolate substitutes placeholders in text using the contact's field
// values and the session's variable map. Contact fields are matched by display
// name, case-insensitively. Unresolved placeholders of either kind become the
// empty string, never an error and never the literal placeholder.
func Interpolate(text string, contact *models.Contact, vars map[string]string) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(placeholderPattern.FindStringSubmatch(match)[1])
		if rest, ok := cutFold(name, contactPrefix); ok {
			value, _ := contact.FieldValue(rest)
			return value
		}
		return vars[name]
	})
}

// cutFold is strings.CutPrefix with a case-insensitive prefix match.
func cutFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

// InterpolateOptions interpolates the titles of a question node's options,
// returning a new slice.
func InterpolateOptions(options []models.NodeOption, contact *models.Contact, vars map[string]string) []models.NodeOption {
	if len(options) == 0 {
		return nil
	}
	out := make([]models.NodeOption, len(options))
	for i, opt := range options {
		out[i] = models.NodeOption{ID: opt.ID, Title: Interpolate(opt.Title, contact, vars)}
	}
	return out
}

// InterpolateValue interpolates a template parameter value, recursing into
// nested maps and lists. Non-string leaves pass through unchanged.
func InterpolateValue(value any, contact *models.Contact, vars map[string]string) any {
	switch v := value.(type) {
	case string:
		return Interpolate(v, contact, vars)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = InterpolateValue(item, contact, vars)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = InterpolateValue(item, contact, vars)
		}
		return out
	default:
		return v
	}
}

// InterpolateParams interpolates a template parameter map, returning a new map.
func InterpolateParams(params map[string]any, contact *models.Contact, vars map[string]string) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = InterpolateValue(v, contact, vars)
	}
	return out
}
