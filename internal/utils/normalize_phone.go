package utils

import "strings"

// NormalizePhone brings a phone number to +<digits> form.
// Spaces, dashes, dots and parentheses are dropped; a leading 00 becomes +.
// Returns "" when the result is not 8 to 15 digits.
func NormalizePhone(raw string) string {
	normalized := strings.TrimSpace(raw)
	normalized = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "").Replace(normalized)

	switch {
	case strings.HasPrefix(normalized, "+"):
		normalized = normalized[1:]
	case strings.HasPrefix(normalized, "00"):
		normalized = normalized[2:]
	}

	if len(normalized) < 8 || len(normalized) > 15 {
		return ""
	}
	for _, r := range normalized {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return "+" + normalized
}
