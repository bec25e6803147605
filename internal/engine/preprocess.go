package engine

import "strings"

// PreprocessContent normalizes model-produced file content before any
// preview: surrounding whitespace is trimmed, a leading and/or trailing
// fenced-code delimiter line is stripped, and the three HTML entities models
// tend to over-escape are restored. The transform is idempotent.
func PreprocessContent(content string) string {
	s := strings.TrimSpace(content)

	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			s = s[i+1:]
		} else {
			s = ""
		}
	}
	if strings.HasSuffix(s, "```") {
		trimmed := s[:len(s)-3]
		if i := strings.LastIndexByte(trimmed, '\n'); i >= 0 {
			s = trimmed[:i]
		} else {
			s = strings.TrimSpace(trimmed)
		}
	}
	s = strings.TrimSpace(s)

	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	return s
}
