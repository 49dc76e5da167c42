package jira

import "encoding/json"

// ExtractTextFromADF flattens an Atlassian Document Format node into plain
// text by concatenating its text nodes in document order. Plain strings are
// returned unchanged; nil yields "". Nodes without text (mentions, rules,
// media) contribute nothing and no separators are inserted between blocks.
func ExtractTextFromADF(node any) string {
	switch n := node.(type) {
	case nil:
		return ""
	case string:
		return n
	case []any:
		var out string
		for _, child := range n {
			out += ExtractTextFromADF(child)
		}
		return out
	case map[string]any:
		if n["type"] == "text" {
			if text, ok := n["text"].(string); ok {
				return text
			}
			return ""
		}
		if content, ok := n["content"]; ok {
			return ExtractTextFromADF(content)
		}
		return ""
	default:
		return ""
	}
}

// BodyText decodes a raw comment body that may be either a JSON string or an
// ADF document.
func BodyText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return ExtractTextFromADF(v)
}

// Document wraps text in a minimal ADF document with one paragraph.
func Document(text string) map[string]any {
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": []any{
			map[string]any{
				"type": "paragraph",
				"content": []any{
					map[string]any{"type": "text", "text": text},
				},
			},
		},
	}
}
