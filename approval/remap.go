package approval

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// fieldAliases maps generic UI field names to tool-specific argument names.
// The approval form speaks a small vocabulary ("body", "recipient"); each
// tool expects its own shape.
var fieldAliases = map[string]map[string]string{
	"send_email": {
		"body":      "text",
		"recipient": "to",
		"title":     "subject",
	},
	"create_event": {
		"start": "start_time",
		"end":   "end_time",
		"name":  "title",
	},
	"place_order": {
		"item":  "product_id",
		"count": "quantity",
	},
}

// dateTimeLayouts are accepted input formats for date-time fields, tried in
// order. Output is always RFC 3339.
var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"01/02/2006 3:04 PM",
	"2006-01-02",
}

// RemapArgs merges human edits into a tool call's original JSON arguments.
//
//   - Generic UI field names are remapped to the tool's own names; when the
//     original payload already carries the generic name, that name wins so
//     edits land where the proposal put them
//   - HTML content is stripped to plain text
//   - Date-time strings are normalized to RFC 3339
//   - Fields not explicitly edited are carried over from the original
//     proposal, not dropped
func RemapArgs(tool, originalArgs string, edits map[string]any) (string, error) {
	if len(edits) == 0 {
		return originalArgs, nil
	}
	out := originalArgs
	if out == "" {
		out = "{}"
	}

	aliases := fieldAliases[tool]
	for field, value := range edits {
		name := field
		if alias, ok := aliases[field]; ok {
			// Prefer whichever name the original proposal actually used.
			if !gjson.Get(out, field).Exists() || gjson.Get(out, alias).Exists() {
				name = alias
			}
		}

		if s, ok := value.(string); ok {
			s = StripHTML(s)
			if isDateTimeField(name) {
				s = NormalizeDateTime(s)
			}
			value = s
		}

		var err error
		out, err = sjson.Set(out, name, value)
		if err != nil {
			return "", fmt.Errorf("set field %q: %w", name, err)
		}
	}
	return out, nil
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// StripHTML reduces HTML content to plain text: tags removed, entities
// unescaped, block-level breaks kept as newlines.
func StripHTML(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	replaced := strings.NewReplacer(
		"<br>", "\n", "<br/>", "\n", "<br />", "\n",
		"</p>", "\n", "</div>", "\n",
	).Replace(s)
	stripped := htmlTagRe.ReplaceAllString(replaced, "")
	return strings.TrimSpace(html.UnescapeString(stripped))
}

// NormalizeDateTime parses common human date-time formats and renders RFC
// 3339. Unparseable input is returned unchanged so the tool's own
// validation produces the user-facing error.
func NormalizeDateTime(s string) string {
	trimmed := strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.Format(time.RFC3339)
		}
	}
	return s
}

func isDateTimeField(name string) bool {
	lower := strings.ToLower(name)
	if strings.Contains(lower, "time") || strings.Contains(lower, "date") {
		return true
	}
	switch lower {
	case "start", "end", "when", "at":
		return true
	}
	return false
}
