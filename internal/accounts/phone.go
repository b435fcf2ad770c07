package accounts

import (
	"strings"

	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

const minPhoneDigits = 11

// NormalizePhone keeps the digits of raw, rewrites a leading trunk 8 on an
// 11-digit number to the country code 7 and prefixes "+".
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) < minPhoneDigits {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "phone number must have at least 11 digits")
	}
	if len(digits) == minPhoneDigits && digits[0] == '8' {
		digits = "7" + digits[1:]
	}
	return "+" + digits, nil
}
