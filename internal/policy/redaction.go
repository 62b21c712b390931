package policy

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	bearerToken  = regexp.MustCompile(`(?i)\b(bearer\s+|sk-|ek_)[A-Za-z0-9._\-]{8,}`)
)

// RedactPII masks emails, phone numbers and card numbers in character text
// before it is interpolated into model instructions.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[redacted email]")
	changed = changed || next != out
	out = next

	// Cards before phones so long digit runs are not classified as phone numbers.
	next = cardPattern.ReplaceAllString(out, "[redacted card]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[redacted phone]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactSecret masks anything shaped like a bearer token or provider key, for log lines.
func RedactSecret(input string) string {
	return bearerToken.ReplaceAllString(input, "${1}[redacted]")
}
