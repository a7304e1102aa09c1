package keeper

import (
	"strings"

	"github.com/tidwall/gjson"
)

// extract returns the JSON object in raw model output. The whole reply is
// tried first; otherwise the largest balanced, well-formed {...} span is
// taken, which drops code fences and surrounding prose.
func extract(raw string) (string, bool) {
	text := strings.TrimSpace(stripFences(raw))
	if text == "" {
		return "", false
	}
	if gjson.Valid(text) && gjson.Parse(text).IsObject() {
		return text, true
	}

	best := ""
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end := closingBrace(text, i)
		if end < 0 {
			continue
		}
		candidate := text[i : end+1]
		if !gjson.Valid(candidate) {
			continue
		}
		if len(candidate) > len(best) {
			best = candidate
		}
		// Objects nested in a valid candidate are smaller.
		i = end
	}
	return best, best != ""
}

// closingBrace finds the brace closing the object opened at start,
// skipping braces inside string literals. It returns -1 when unbalanced.
func closingBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for j := start; j < len(s); j++ {
		c := s[j]
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
				return j
			}
		}
	}
	return -1
}

func stripFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
