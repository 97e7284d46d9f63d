// Package utils provides subject-field normalization shared by ingestion paths.
package utils

import (
	"math/rand"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// OnlyDigits strips every non-digit rune from value.
func OnlyDigits(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeCPF reduces value to digits and left-pads to 11. Returns "" when
// the value has no digits or more than 11 of them.
func NormalizeCPF(value string) string {
	digits := OnlyDigits(value)
	if digits == "" || len(digits) > 11 {
		return ""
	}
	return strings.Repeat("0", 11-len(digits)) + digits
}

// NormalizePhone reduces value to a Brazilian mobile number: 11 digits with
// the ninth digit present. Ten-digit landline-style numbers get the mobile 9
// inserted after the area code. Anything else returns "".
func NormalizePhone(value string) string {
	digits := OnlyDigits(value)
	if digits == "" {
		return ""
	}
	if len(digits) == 10 {
		digits = digits[:2] + "9" + digits[2:]
	}
	if len(digits) != 11 || digits[2] != '9' {
		return ""
	}
	return digits
}

// NormalizeName strips accents, collapses whitespace and uppercases value.
func NormalizeName(value string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, value)
	if err != nil {
		stripped = value
	}
	return strings.ToUpper(strings.Join(strings.Fields(stripped), " "))
}

// RandomPhone generates a syntactically valid Brazilian mobile number, used
// when a subject arrives without a phone (the partner API requires one).
func RandomPhone() string {
	const min, max = 11911111111, 99999999999
	for {
		digits := strconv.FormatInt(min+rand.Int63n(max-min+1), 10)
		if len(digits) == 11 && digits[2] == '9' {
			return digits
		}
	}
}
