package llm

import (
	"regexp"
	"strings"
)

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinkBlocks removes <think>...</think> reasoning blocks that some
// models emit before their answer. An unterminated block swallows the
// rest of the string, which is the safe reading: half-finished reasoning
// is not an answer.
func StripThinkBlocks(s string) string {
	s = thinkBlockRe.ReplaceAllString(s, "")
	if idx := strings.Index(s, "<think>"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// StripFences removes a surrounding markdown code fence (``` or ```json)
// so fenced JSON replies decode cleanly.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		// Drop the language tag line ("json", "yaml", or empty).
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// ExtractJSON returns the first top-level JSON object in s, tolerating
// prose before and after it. Returns s unchanged when no braces are found.
func ExtractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
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
	return s[start:]
}
