package engine

import "regexp"

// PII masking patterns, applied in order. Card-like runs go before
// phone-like runs so a 13-16 digit sequence is not half-eaten by the
// shorter phone pattern. Masking is a pure text transform over content;
// once stored, the original text is gone.
var piiPatterns = []struct {
	re   *regexp.Regexp
	mask string
}{
	{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b\d(?:[ \-]?\d){12,15}\b`), "[card]"},
	{regexp.MustCompile(`\+?\d(?:[ \-]?\d){9,}`), "[phone]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[ip]"},
}

// redactPII masks email addresses, card- and phone-like digit runs, and
// IPv4 addresses. Deterministic: the same input always yields the same
// output, so re-saving redacted content is a no-op.
func redactPII(content string) string {
	for _, p := range piiPatterns {
		content = p.re.ReplaceAllString(content, p.mask)
	}
	return content
}
