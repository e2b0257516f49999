// Package phonetic resolves the gender of first names that are missing from
// the gender dictionary by finding a dictionary name that sounds the same.
//
// The algorithm proceeds in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the query and, once at construction, for every dictionary name. Only
//     names that start with the same letter as the query and share at least
//     one code with it are candidates.
//
//  2. Jaro-Winkler ranking: among candidates, the name with the highest
//     Jaro-Winkler similarity is selected, provided its score reaches the
//     configurable threshold (default 0.90). Ties are broken by the
//     lexically smallest name so that lookups are deterministic.
//
// Spelling variants common in fantasy naming ("Thancredd", "Alphinaude")
// therefore inherit the gender of the canonical spelling.
package phonetic

import (
	"slices"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/xivoice/pkg/catalog"
)

const defaultThreshold = 0.90

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithThreshold sets the minimum Jaro-Winkler score required for a
// phonetically matched name to be accepted. Default: 0.90.
func WithThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.threshold = threshold
	}
}

type entry struct {
	name   string
	gender catalog.Gender
	codes  map[string]struct{}
}

// Matcher is a phonetic gender lookup over a fixed dictionary.
// All methods are safe for concurrent use; the Matcher is read-only after
// construction.
type Matcher struct {
	threshold float64
	byInitial map[rune][]entry
}

// New indexes dict and returns a [Matcher] configured with the supplied
// options.
func New(dict catalog.GenderDictionary, opts ...Option) *Matcher {
	m := &Matcher{
		threshold: defaultThreshold,
		byInitial: make(map[rune][]entry),
	}
	for _, o := range opts {
		o(m)
	}

	names := make([]string, 0, len(dict))
	for name := range dict {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		initial, ok := firstRune(name)
		if !ok {
			continue
		}
		m.byInitial[initial] = append(m.byInitial[initial], entry{
			name:   name,
			gender: dict[name],
			codes:  codesFor(name),
		})
	}
	return m
}

// Lookup returns the gender of the dictionary name that best matches name
// phonetically. matched is the dictionary spelling that won. ok is false when
// no candidate reaches the threshold.
func (m *Matcher) Lookup(name string) (gender catalog.Gender, matched string, score float64, ok bool) {
	token := catalog.NormalizeToken(name)
	initial, has := firstRune(token)
	if !has {
		return "", "", 0, false
	}
	queryCodes := codesFor(token)
	if len(queryCodes) == 0 {
		return "", "", 0, false
	}

	var best entry
	var bestScore float64
	for _, e := range m.byInitial[initial] {
		if !codesOverlap(queryCodes, e.codes) {
			continue
		}
		s := matchr.JaroWinkler(token, e.name, false)
		if s < m.threshold {
			continue
		}
		// Entries are sorted, so strict > keeps the lexically smallest on ties.
		if s > bestScore {
			best, bestScore = e, s
		}
	}
	if best.name == "" {
		return "", "", 0, false
	}
	return best.gender, best.name, bestScore, true
}

func firstRune(s string) (rune, bool) {
	for _, r := range s {
		return r, true
	}
	return 0, false
}

// codesFor returns the Double Metaphone codes of word. Empty codes (produced
// when the word contains no consonants) are excluded.
func codesFor(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
