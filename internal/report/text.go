package report

import (
	"encoding/json"
	"strings"
)

// PlainText flattens a rich-text field into a single line. Upstream titles are
// either plain strings or nested nodes of the form {"text": ..., "content": [...]}.
func PlainText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var node any
	if err := json.Unmarshal(raw, &node); err != nil {
		return ""
	}

	if s, ok := node.(string); ok {
		return strings.TrimSpace(s)
	}

	var parts []string
	walkText(node, &parts)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

func walkText(node any, out *[]string) {
	switch v := node.(type) {
	case []any:
		for _, child := range v {
			walkText(child, out)
		}
	case map[string]any:
		if text, ok := v["text"].(string); ok && strings.TrimSpace(text) != "" {
			*out = append(*out, strings.TrimSpace(text))
		}
		if content, ok := v["content"].([]any); ok {
			walkText(content, out)
		}
	}
}
