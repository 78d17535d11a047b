package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ocx/sentinel-auditor/internal/core"
)

// ExtractObject pulls the first JSON object out of model text. Models wrap
// answers in markdown fences or prose despite JSON mode, so the first
// balanced {...} is used when the whole text does not parse.
func ExtractObject(text string) (map[string]any, error) {
	text = stripFences(strings.TrimSpace(text))

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err == nil && obj != nil {
		return obj, nil
	}

	candidate, ok := firstObject(text)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object in model output", core.ErrParseFailure)
	}
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("%w: model output object: %v", core.ErrParseFailure, err)
	}
	return obj, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

func firstObject(s string) (string, bool) {
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
