package validators

import "strings"

// BearerToken strips an optional "Bearer " prefix from an Authorization
// header value.
func BearerToken(raw string) string {
	token := strings.TrimSpace(raw)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}
