// Package answer canonicalizes free-text trivia answers so that replies can be
// compared against a round's answer set regardless of case, accents,
// punctuation or spacing.
package answer

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lower-cases text, strips diacritics, replaces anything outside
// [a-z0-9] and whitespace with a space, collapses whitespace runs and trims.
// It never fails and Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, strings.ToLower(text))
	if err != nil {
		stripped = strings.ToLower(text)
	}

	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// NormalizeSet normalizes every answer and drops empties and duplicates,
// keeping first-seen order.
func NormalizeSet(answers []string) []string {
	seen := make(map[string]bool, len(answers))
	out := make([]string, 0, len(answers))
	for _, a := range answers {
		n := Normalize(a)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
