package fax

import "regexp"

// phonePattern is deliberately permissive: an optional +, then 3-20 digits
// with common separators. Providers do their own strict validation; the
// gateway only rejects obvious garbage.
var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\-\.\(\) ]{2,19}$`)

// ValidNumber reports whether the destination looks like a dialable number.
func ValidNumber(to string) bool {
	return phonePattern.MatchString(to)
}

// MaskNumber reduces a phone number to its last four digits for logs and
// audit feeds. Full numbers never leave the authenticated owner surface.
func MaskNumber(num string) string {
	if num == "" {
		return ""
	}
	digits := make([]byte, 0, len(num))
	for i := 0; i < len(num); i++ {
		if num[i] >= '0' && num[i] <= '9' {
			digits = append(digits, num[i])
		}
	}
	if len(digits) <= 4 {
		return "***"
	}
	return "***" + string(digits[len(digits)-4:])
}
