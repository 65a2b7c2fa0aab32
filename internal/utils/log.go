package utils

import "strings"

// DefaultPreviewLength is the size of a logged prompt or response preview
// when the provider configuration sets none.
const DefaultPreviewLength = 200

// TruncateForLog shortens s to limit runes, appending an ellipsis when truncated.
func TruncateForLog(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

// Preview flattens s onto one line and truncates it for a log field.
// A non-positive limit means DefaultPreviewLength.
func Preview(s string, limit int) string {
	if limit <= 0 {
		limit = DefaultPreviewLength
	}
	return TruncateForLog(strings.Join(strings.Fields(s), " "), limit)
}
