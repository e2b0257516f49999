package catalog

import (
	"strings"
	"unicode"
)

// NormalizeName lowercases s and drops every rune that is neither a letter
// nor a space. Whitespace is preserved so that callers can still split the
// result into segments.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return strings.TrimSpace(b.String())
}

// NormalizeToken lowercases s and keeps letters only. It is used for single
// dictionary keys such as first names.
func NormalizeToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FirstToken returns the normalized first space-separated token of a display
// name, e.g. "Momodi Modi" → "momodi".
func FirstToken(displayName string) string {
	fields := strings.Fields(displayName)
	if len(fields) == 0 {
		return ""
	}
	return NormalizeToken(fields[0])
}

// GenderDictionary maps a normalized first name to a gender.
type GenderDictionary map[string]Gender

// Lookup returns the gender for the normalized form of name.
func (d GenderDictionary) Lookup(name string) (Gender, bool) {
	g, ok := d[NormalizeToken(name)]
	return g, ok
}
