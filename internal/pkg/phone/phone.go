// Package phone normalizes Kenyan mobile numbers into the canonical
// 254XXXXXXXXX form expected by the payment gateway.
package phone

import (
	"errors"
	"strings"
)

const countryCode = "254"

var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// Normalize strips separators and accepts three shapes:
// 254712345678 (12 digits), 0712345678 (10 digits, local prefix),
// 712345678 (9 digits, bare subscriber). All of them canonicalize to
// the 12-digit country-code form. The subscriber part must sit in the
// Kenyan mobile ranges (07xx / 01xx series).
func Normalize(raw string) (string, error) {
	digits := stripNonDigits(raw)

	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, countryCode) && mobileSubscriber(digits[3:]):
		return digits, nil
	case len(digits) == 10 && strings.HasPrefix(digits, "0") && mobileSubscriber(digits[1:]):
		return countryCode + digits[1:], nil
	case len(digits) == 9 && mobileSubscriber(digits):
		return countryCode + digits, nil
	}
	return "", ErrInvalidPhoneNumber
}

func mobileSubscriber(s string) bool {
	return s[0] == '7' || s[0] == '1'
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
