package eventlog

import "strings"

// TruncationMarker is appended to any string field cut at the rune cap.
const TruncationMarker = "…[truncated]"

// denylist names payload fields that are always stripped before
// persistence: raw diff or page content, and anything secret or
// token-shaped. Matching is a case-insensitive substring test on the key.
var denylist = []string{
	"diff",
	"patch",
	"content",
	"secret",
	"token",
	"password",
	"credential",
	"cookie",
	"authorization",
}

// Redact strips denylisted fields and truncates oversized string fields.
// It walks nested maps and never mutates the input.
func Redact(payload map[string]any, maxFieldRunes int) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		if denied(key) {
			continue
		}
		switch v := value.(type) {
		case string:
			out[key] = truncate(v, maxFieldRunes)
		case map[string]any:
			out[key] = Redact(v, maxFieldRunes)
		default:
			out[key] = v
		}
	}
	return out
}

func denied(key string) bool {
	lower := strings.ToLower(key)
	for _, d := range denylist {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

func truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + TruncationMarker
}
