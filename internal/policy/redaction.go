// Package policy masks personal details in text that leaves the conversation,
// such as patient transcripts and companion replies written to the interaction log.
package policy

import (
	"regexp"
	"strings"
)

type rule struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: longer digit runs are claimed before the phone rule sees them.
var rules = []rule{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	// US social security numbers.
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_ID]"},
	// NHS numbers (3-3-4) and Medicare MBIs (4-3-4 alphanumeric).
	{regexp.MustCompile(`\b\d{3}[ -]\d{3}[ -]\d{4}\b`), "[REDACTED_ID]"},
	{regexp.MustCompile(`(?i)\b\d[A-Z][A-Z0-9]\d-?[A-Z][A-Z0-9]\d-?[A-Z]{2}\d{2}\b`), "[REDACTED_ID]"},
	{regexp.MustCompile(`\b\d{1,5}(?: [A-Z][a-z']+){1,3} (?i:street|st|road|rd|avenue|ave|lane|ln|drive|dr|close|court|ct|way|boulevard|blvd|place|pl)\b\.?`), "[REDACTED_ADDRESS]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks common identifying patterns plus any caller-supplied literals,
// such as a persona's emergency contact. Literal matching ignores case.
func RedactPII(input string, literals ...string) (redacted string, changed bool) {
	out := input
	for _, lit := range literals {
		lit = strings.TrimSpace(lit)
		if lit == "" {
			continue
		}
		next := regexp.MustCompile(`(?i)`+regexp.QuoteMeta(lit)).ReplaceAllString(out, "[REDACTED_CONTACT]")
		changed = changed || next != out
		out = next
	}
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
