package policy

import (
	"regexp"
	"strings"
	"unicode"
)

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\b.{0,24}\b(previous|prior|above|earlier|all)\b.{0,24}\b(instructions?|rules|prompts?|directions)\b`),
	regexp.MustCompile(`(?i)\b(system|developer)\s+(prompt|message|instructions?)\b`),
	regexp.MustCompile(`(?i)\byou\s+are\s+now\b`),
	regexp.MustCompile(`(?i)\b(new|override|updated)\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)\b(reveal|print|show|repeat)\b.{0,24}\b(prompt|instructions|api[_ -]?key|secret)\b`),
	regexp.MustCompile(`(?i)</?\s*(system|assistant|instructions?)\s*>`),
	regexp.MustCompile(`(?i)^\s*(system|assistant)\s*:`),
}

// LooksLikeInjection reports whether text reads like an attempt to steer the
// model's instructions rather than describe a character.
func LooksLikeInjection(text string) bool {
	in := strings.TrimSpace(text)
	if in == "" {
		return false
	}
	for _, re := range injectionPatterns {
		if re.MatchString(in) {
			return true
		}
	}
	return false
}

// StripControl removes control and invisible formatting characters from text.
// Line breaks and tabs become single spaces; runs of whitespace collapse.
func StripControl(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := false
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r' || r == '\t' || unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			continue
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r), r == unicode.ReplacementChar:
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}
