package loom

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// zeroWidthChars are invisible characters commonly used to obfuscate
// text. They are replaced with spaces so downstream consumers (argument
// hashing, routing patterns, the output guard) see stable input.
var zeroWidthChars = strings.NewReplacer(
	"\u200b", " ", // zero-width space
	"\u200c", " ", // zero-width non-joiner
	"\u200d", " ", // zero-width joiner
	"\u2060", " ", // word joiner
	"\ufeff", " ", // zero-width no-break space (BOM)
	"\u00ad", " ", // soft hyphen
)

// NormalizeInput canonicalizes a raw user message at ingress: strips
// zero-width characters, applies NFKC so fullwidth and compatibility
// forms collapse to their plain equivalents, and trims surrounding
// whitespace. Runs once, before the request is built; the Request is
// immutable afterwards.
func NormalizeInput(s string) string {
	if s == "" {
		return s
	}
	cleaned := zeroWidthChars.Replace(s)
	cleaned = norm.NFKC.String(cleaned)
	return strings.TrimSpace(cleaned)
}
