// Package keyword implements fuzzy tiered keyword spotting over recognized
// text: script-folding normalization, a pluggable partial-similarity
// scorer, and tier-based severity with false-positive suppression.
package keyword

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"
)

// Normalize folds text into the canonical form both keywords and candidate
// text are matched in: Unicode width folding (half-width katakana and
// full-width Latin collapse to their canonical forms), katakana folded to
// hiragana, Latin lowercased, and all whitespace removed. Recognition
// output varies freely across these axes for the same spoken phrase, so
// matching happens after the fold.
func Normalize(text string) string {
	folded := width.Fold.String(text)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(katakanaToHiragana(r))
	}
	return strings.ToLower(b.String())
}

// katakanaToHiragana maps one katakana rune to its hiragana counterpart.
// Runes outside the convertible katakana block pass through unchanged.
// The prolonged sound mark (ー) is kept as is.
func katakanaToHiragana(r rune) rune {
	if r >= 'ァ' && r <= 'ヶ' {
		return r - 0x60
	}
	return r
}
