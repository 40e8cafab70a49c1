package reconstruct

import (
	"encoding/json"
	"strings"
	"unicode"
)

// balancedRegion extracts the first balanced {...} region from s using an
// explicit character scan (nesting depth plus string/escape state), so that
// noise before or after the object is discarded. Returns false when no
// balanced region closes.
func balancedRegion(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
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
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`, // double smart quotes
	"‘", "'", "’", "'", // single smart quotes
)

// normalize repairs the common classes of provider damage: typographic
// quotes, raw control characters, sprawling whitespace outside strings, and
// trailing commas before a closing bracket.
func normalize(s string) string {
	s = quoteReplacer.Replace(s)

	var sb strings.Builder
	sb.Grow(len(s))
	inString := false
	escaped := false
	lastSpace := false
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			if r < 0x20 {
				// Raw control characters are illegal inside JSON strings.
				continue
			}
			sb.WriteRune(r)
			continue
		}
		if r == '"' {
			inString = true
			sb.WriteRune(r)
			lastSpace = false
			continue
		}
		if r < 0x20 && !unicode.IsSpace(r) {
			continue
		}
		if unicode.IsSpace(r) {
			if !lastSpace {
				sb.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		lastSpace = false
		sb.WriteRune(r)
	}

	return stripTrailingCommas(sb.String())
}

// stripTrailingCommas removes commas that directly precede a closing brace
// or bracket, honoring string boundaries.
func stripTrailingCommas(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
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
			sb.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
			sb.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the stray comma
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// extractProperties rebuilds a minimal object from "key": value fragments.
// It scans forward for quoted keys followed by a colon and parses the value
// that follows (string, number, literal, or a balanced object/array). Values
// that fail to parse are skipped rather than aborting the salvage.
func extractProperties(s string) map[string]interface{} {
	obj := make(map[string]interface{})
	i := 0
	for i < len(s) {
		if s[i] != '"' {
			i++
			continue
		}
		key, end, ok := scanString(s, i)
		if !ok {
			i++
			continue
		}
		j := skipSpace(s, end)
		if j >= len(s) || s[j] != ':' {
			i = end
			continue
		}
		j = skipSpace(s, j+1)
		frag, next, ok := scanValue(s, j)
		if !ok {
			i = end
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(frag), &v); err == nil {
			obj[key] = v
		}
		i = next
	}
	return obj
}

// scanString reads a JSON string starting at s[start]=='"'. Returns the
// decoded value and the index just past the closing quote.
func scanString(s string, start int) (string, int, bool) {
	escaped := false
	for i := start + 1; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			var out string
			if err := json.Unmarshal([]byte(s[start:i+1]), &out); err != nil {
				return "", 0, false
			}
			return out, i + 1, true
		}
	}
	return "", 0, false
}

// scanValue reads one JSON value starting at s[start] and returns the raw
// fragment plus the index just past it.
func scanValue(s string, start int) (string, int, bool) {
	if start >= len(s) {
		return "", 0, false
	}
	switch c := s[start]; {
	case c == '"':
		_, end, ok := scanString(s, start)
		if !ok {
			return "", 0, false
		}
		return s[start:end], end, true
	case c == '{' || c == '[':
		frag, ok := balancedFrom(s, start)
		if !ok {
			return "", 0, false
		}
		return frag, start + len(frag), true
	default:
		end := start
		for end < len(s) && isScalarByte(s[end]) {
			end++
		}
		if end == start {
			return "", 0, false
		}
		return s[start:end], end, true
	}
}

// balancedFrom scans a balanced {...} or [...] region beginning at start.
func balancedFrom(s string, start int) (string, bool) {
	open := s[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
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
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	return i
}

func isScalarByte(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c == '-' || c == '+' || c == '.' || c == 'E':
		return true
	default:
		return false
	}
}
