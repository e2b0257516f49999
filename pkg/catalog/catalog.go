// Package catalog holds the static lookup tables used for voice selection:
// the per-language voice pools, the NPC table keyed by id, the table of named
// characters with hand-picked voices, and the first-name → gender dictionary.
//
// A [Catalog] is built once at startup (see [LoadDir]) and is read-only
// afterwards, so it is safe for concurrent use without locking.
package catalog

import (
	"cmp"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
)

// Gender is the grammatical/voice gender of a voice or character.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// IsValid reports whether g is a recognised gender.
func (g Gender) IsValid() bool {
	return g == GenderMale || g == GenderFemale
}

// Language is a voice pool language code.
type Language string

const (
	LangEnglish  Language = "en"
	LangGerman   Language = "de"
	LangFrench   Language = "fr"
	LangJapanese Language = "jp"

	// LangAuto defers to the configured default language.
	LangAuto Language = "auto"
)

// SupportedLanguages lists every language a voice pool may be keyed by.
var SupportedLanguages = []Language{LangEnglish, LangGerman, LangFrench, LangJapanese}

// IsSupported reports whether l is one of [SupportedLanguages].
func (l Language) IsSupported() bool {
	return slices.Contains(SupportedLanguages, l)
}

// Normalize returns l if it is supported and [LangEnglish] otherwise. The
// remap is logged as a warning; it is never an error.
func Normalize(l Language) Language {
	if l.IsSupported() {
		return l
	}
	slog.Warn("unsupported language, falling back to english", "language", string(l))
	return LangEnglish
}

// Voice identifies one synthesis configuration. Voices are values; copies
// handed to downstream stages never alias catalog state.
type Voice struct {
	// Name is a human-readable label used only in logs.
	Name string `json:"name,omitempty"`

	// Model is the synthesis model identifier (e.g. "en_US-libritts_r-medium"
	// style base name without the language suffix).
	Model string `json:"model"`

	// Language is the model language.
	Language Language `json:"language"`

	// Speaker is the speaker index within a multi-speaker model.
	Speaker int `json:"speaker"`

	// Gender is the perceived gender of the speaker.
	Gender Gender `json:"gender"`
}

// ModelKey returns "<model>_<language>", the key used for per-model tuning.
func (v Voice) ModelKey() string {
	return v.Model + "_" + string(v.Language)
}

// String returns a compact description for logs.
func (v Voice) String() string {
	if v.Name != "" {
		return fmt.Sprintf("%s (%s/%s#%d)", v.Name, v.Model, v.Language, v.Speaker)
	}
	return fmt.Sprintf("%s/%s#%d", v.Model, v.Language, v.Speaker)
}

// UnmarshalJSON accepts the speaker id either as a JSON number or as a
// numeric string; both appear in published voice tables.
func (v *Voice) UnmarshalJSON(data []byte) error {
	type alias Voice
	var raw struct {
		alias
		Speaker json.RawMessage `json:"speaker"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = Voice(raw.alias)
	v.Speaker = 0
	if len(raw.Speaker) == 0 || string(raw.Speaker) == "null" {
		return nil
	}
	var n int
	if err := json.Unmarshal(raw.Speaker, &n); err == nil {
		v.Speaker = n
		return nil
	}
	var s string
	if err := json.Unmarshal(raw.Speaker, &s); err != nil {
		return fmt.Errorf("catalog: voice speaker: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("catalog: voice speaker %q: %w", s, err)
	}
	v.Speaker = n
	return nil
}

// NPC is a non-player character entry with a fixed id.
type NPC struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Gender Gender `json:"gender"`
}

// Character is a named individual with dedicated voices that override the
// generic selection. Key is a normalized lowercase name fragment.
type Character struct {
	Key    string
	Voices map[Language]Voice
}

// VoiceFor returns the character's voice for lang, falling back to the
// English voice when lang has no entry.
func (c Character) VoiceFor(lang Language) (Voice, bool) {
	if v, ok := c.Voices[lang]; ok {
		return v, true
	}
	v, ok := c.Voices[LangEnglish]
	return v, ok
}

// Pool maps a language to its ordered voice list. Selection indices into a
// list are only stable as long as the list order is, so pools are never
// reordered after load.
type Pool map[Language][]Voice

// Voices returns the voice list for lang. The returned slice must not be
// modified.
func (p Pool) Voices(lang Language) []Voice {
	return p[lang]
}

// FilterGender returns the voices in voices whose gender equals g, preserving
// order.
func FilterGender(voices []Voice, g Gender) []Voice {
	var out []Voice
	for _, v := range voices {
		if v.Gender == g {
			out = append(out, v)
		}
	}
	return out
}

// Catalog bundles all static lookup tables.
type Catalog struct {
	pool       Pool
	npcs       map[int]NPC
	characters []Character // ordered: longest key first, then lexical
	genders    GenderDictionary
}

// New assembles a Catalog. Characters are ordered longest key first (ties
// broken lexically) so that the most specific key wins when several keys
// prefix the same name segment.
func New(pool Pool, npcs []NPC, characters []Character, genders GenderDictionary) *Catalog {
	c := &Catalog{
		pool:    make(Pool, len(pool)),
		npcs:    make(map[int]NPC, len(npcs)),
		genders: genders,
	}
	for lang, voices := range pool {
		c.pool[lang] = slices.Clone(voices)
	}
	for _, n := range npcs {
		c.npcs[n.ID] = n
	}
	if c.genders == nil {
		c.genders = GenderDictionary{}
	}
	c.characters = make([]Character, 0, len(characters))
	for _, ch := range characters {
		ch.Key = NormalizeName(ch.Key)
		if ch.Key == "" {
			continue
		}
		c.characters = append(c.characters, ch)
	}
	slices.SortStableFunc(c.characters, func(a, b Character) int {
		if n := cmp.Compare(len(b.Key), len(a.Key)); n != 0 {
			return n
		}
		return strings.Compare(a.Key, b.Key)
	})
	return c
}

// Voices returns the voice pool for lang.
func (c *Catalog) Voices(lang Language) []Voice {
	return c.pool.Voices(lang)
}

// Languages returns the languages that have a non-empty pool, in
// [SupportedLanguages] order followed by any extra languages sorted.
func (c *Catalog) Languages() []Language {
	var out []Language
	for _, l := range SupportedLanguages {
		if len(c.pool[l]) > 0 {
			out = append(out, l)
		}
	}
	var extra []Language
	for l, v := range c.pool {
		if !l.IsSupported() && len(v) > 0 {
			extra = append(extra, l)
		}
	}
	slices.Sort(extra)
	return append(out, extra...)
}

// NPC looks up an NPC by id.
func (c *Catalog) NPC(id int) (NPC, bool) {
	n, ok := c.npcs[id]
	return n, ok
}

// MatchCharacter reports the first character whose key is a prefix of any
// whitespace-delimited segment of the normalized name.
func (c *Catalog) MatchCharacter(name string) (Character, bool) {
	segments := strings.Fields(NormalizeName(name))
	if len(segments) == 0 {
		return Character{}, false
	}
	for _, ch := range c.characters {
		for _, seg := range segments {
			if strings.HasPrefix(seg, ch.Key) {
				return ch, true
			}
		}
	}
	return Character{}, false
}

// Genders returns the name → gender dictionary.
func (c *Catalog) Genders() GenderDictionary {
	return c.genders
}

// Stats summarises table sizes for startup logs.
type Stats struct {
	Voices     int
	NPCs       int
	Characters int
	Names      int
}

// Stats returns the table sizes.
func (c *Catalog) Stats() Stats {
	s := Stats{NPCs: len(c.npcs), Characters: len(c.characters), Names: len(c.genders)}
	for _, v := range c.pool {
		s.Voices += len(v)
	}
	return s
}
