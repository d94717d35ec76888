package memory

import (
	"strings"
	"unicode"
)

// MaxFieldLength caps a sanitized title or URL, in runes.
const MaxFieldLength = 200

const stripped = "`{}[]<>'\""

// Sanitize removes control characters and prompt-breaking punctuation from s
// and truncates the result to MaxFieldLength runes.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if unicode.IsControl(r) || strings.ContainsRune(stripped, r) {
			continue
		}
		if n == MaxFieldLength {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
