// Package redact masks evidence text so hidden-set failures can be explained
// without revealing transcript content.
package redact

import (
	"strings"
	"unicode"
)

const (
	// Mask replaces hidden runes.
	Mask = '*'
	// minMaskedLen is the shortest alphanumeric run that gets masked.
	minMaskedLen = 4
)

// Redact masks every alphanumeric run longer than three runes, keeping its
// first and last rune. Whitespace and punctuation pass through unchanged, so
// the result has exactly as many runes as text.
func Redact(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	var word []rune
	flush := func() {
		if len(word) >= minMaskedLen {
			b.WriteRune(word[0])
			for range word[1 : len(word)-1] {
				b.WriteRune(Mask)
			}
			b.WriteRune(word[len(word)-1])
		} else {
			for _, r := range word {
				b.WriteRune(r)
			}
		}
		word = word[:0]
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word = append(word, r)
			continue
		}
		flush()
		b.WriteRune(r)
	}
	flush()
	return b.String()
}

// Excerpt redacts text and truncates the result to at most maxRunes runes,
// marking the cut with an ellipsis.
func Excerpt(text string, maxRunes int) string {
	red := []rune(Redact(strings.TrimSpace(text)))
	if maxRunes <= 0 || len(red) <= maxRunes {
		return string(red)
	}
	return string(red[:maxRunes]) + "…"
}
