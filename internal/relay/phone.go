package relay

import (
	"fmt"
	"strings"
)

const DefaultCountryCode = "249"

// NormalizePhone turns user input into the digits-only international form used
// as recipient ID. A national number with a leading 0 gets the country code in
// place of the 0; a number without the country code gets it prefixed; "00"
// international prefixes are dropped.
func NormalizePhone(raw, countryCode string) (string, error) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case digits == "":
		return "", fmt.Errorf("%w: no digits in %q", ErrInvalidRecipient, raw)
	case strings.HasPrefix(digits, "00"):
		digits = digits[2:]
	case strings.HasPrefix(digits, "0"):
		digits = countryCode + digits[1:]
	case !strings.HasPrefix(digits, countryCode):
		digits = countryCode + digits
	}
	if len(digits) < 8 || len(digits) > 15 {
		return "", fmt.Errorf("%w: %d digits", ErrInvalidRecipient, len(digits))
	}
	return digits, nil
}
