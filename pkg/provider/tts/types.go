package tts

import (
	"context"
	"strings"
	"unicode"

	"github.com/MrWong99/xivoice/pkg/catalog"
)

// SplitSentences splits text on '.', '!' and '?' that are followed by
// whitespace or end the text. Abbreviations like "Dr.Smith" or numbers like
// "3.14" therefore stay in one sentence. Whitespace-only pieces are dropped.
func SplitSentences(text string) []string {
	var out []string
	rest := text
	for {
		idx := findSentenceBoundary(rest)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(rest[:idx+1]); s != "" {
			out = append(out, s)
		}
		rest = rest[idx+1:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		out = append(out, s)
	}
	return out
}

// TextUnits is the fallback for engines without a phonemizer: each
// sentence becomes a unit whose symbols are its letters and digits, one per
// rune. Spaces and punctuation are not counted. This overestimates the
// phoneme count of most languages, so minimum phoneme counts tuned against
// real phonemes trigger less often. Sentences without letters or digits
// yield empty units so that callers skip them like silent phoneme units.
func TextUnits(text string) []Unit {
	sentences := SplitSentences(text)
	out := make([]Unit, 0, len(sentences))
	for _, s := range sentences {
		u := Unit{Text: s}
		for _, r := range s {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				u.Phonemes = append(u.Phonemes, string(unicode.ToLower(r)))
			}
		}
		out = append(out, u)
	}
	return out
}

// TextPhonemizer is a [Phonemizer] backed by [TextUnits].
type TextPhonemizer struct{}

var _ Phonemizer = TextPhonemizer{}

// Phonemize implements [Phonemizer].
func (TextPhonemizer) Phonemize(_ context.Context, text string, _ catalog.Voice) ([]Unit, error) {
	return TextUnits(text), nil
}

// findSentenceBoundary returns the index of the first sentence-ending character
// ('.', '!', '?') that is either at the end of s or immediately followed by
// whitespace. Returns -1 if no sentence boundary is found.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
