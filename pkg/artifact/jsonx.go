package artifact

import (
	"encoding/json"
	"strings"
)

// ParseTolerant decodes a JSON object out of model text. It tries a
// strict parse first, then the outermost balanced brace region, then the
// same region with control characters stripped. Returns nil when nothing
// decodes; it never panics or errors on garbage input.
func ParseTolerant(text string) map[string]any {
	if m := parseObject(text); m != nil {
		return m
	}
	candidate := balancedObject(text)
	if candidate == "" {
		return nil
	}
	if m := parseObject(candidate); m != nil {
		return m
	}
	return parseObject(stripControl(candidate))
}

func parseObject(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), &m); err != nil {
		return nil
	}
	return m
}

// balancedObject returns the first top-level {...} region, tracking
// string literals and escapes so braces inside strings do not count.
func balancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// stripControl removes C0 and C1 control characters. Models sometimes
// leave raw newlines or stray control bytes inside string literals,
// which the strict decoder rejects.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || (r >= 0x7f && r <= 0x9f) {
			return -1
		}
		return r
	}, s)
}
