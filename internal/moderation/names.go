package moderation

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeGuestName collapses whitespace and capitalizes each word, so
// "jane  DOE" and "Jane Doe" name the same guest.
func NormalizeGuestName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	// Casers keep state between calls and are not shared.
	caser := cases.Title(language.Und)
	for i, word := range fields {
		fields[i] = caser.String(word)
	}
	return strings.Join(fields, " ")
}
