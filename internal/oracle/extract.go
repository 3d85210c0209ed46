package oracle

import (
	"fmt"
	"strings"
)

// ExtractJSON pulls a JSON object out of model output. Models wrap
// JSON in prose and code fences no matter how firmly the prompt says
// not to, so parsing is lenient: the first fenced code block wins,
// otherwise the first balanced {...} substring.
func ExtractJSON(s string) ([]byte, error) {
	if block, ok := fencedBlock(s); ok {
		if obj, ok := balancedObject(block); ok {
			return []byte(obj), nil
		}
	}
	if obj, ok := balancedObject(s); ok {
		return []byte(obj), nil
	}
	return nil, fmt.Errorf("no JSON object found in model output")
}

// fencedBlock returns the contents of the first ``` fence, tolerating
// a language tag after the opening backticks.
func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Skip the language tag line ("json", "JSON", or empty).
		head := strings.TrimSpace(rest[:nl])
		if head == "" || !strings.ContainsAny(head, "{}") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return rest, true
	}
	return rest[:end], true
}

// balancedObject returns the first brace-balanced {...} substring,
// respecting JSON string literals and escapes.
func balancedObject(s string) (string, bool) {
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
