package validators

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeString trims input, drops control characters and invalid UTF-8, and
// caps the result at maxLen runes. Telegram names are frequently non-ASCII, so
// the cap counts runes rather than bytes.
func SanitizeString(input string, maxLen int) string {
	var b strings.Builder
	count := 0
	for _, r := range strings.TrimSpace(input) {
		if r == utf8.RuneError || unicode.IsControl(r) {
			continue
		}
		if maxLen > 0 && count == maxLen {
			break
		}
		b.WriteRune(r)
		count++
	}
	return strings.TrimSpace(b.String())
}
