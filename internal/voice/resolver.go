// Package voice picks the synthetic voice for a speaking character.
//
// [Resolver.Resolve] walks a fixed cascade of rules, first match wins:
//
//  1. NPC id → NPC name → character catalog key prefix.
//  2. Display name → character catalog key prefix.
//  3. NPC id → NPC gender → gender-filtered pool, indexed by id.
//  4. First name → gender dictionary → gender-filtered pool, indexed by hash.
//     (4b. optional phonetic dictionary lookup, see [WithPhonetic].)
//  5. Naming-convention heuristics → gender-filtered pool, indexed by hash.
//  6. Display name is a gender literal → first voice of that gender.
//  7. NPC id text "any" → random voice.
//  8. NPC id text is numeric → pool indexed by id.
//  9. First voice in the pool.
//
// Every rule except 7 is deterministic for a given input.
package voice

import (
	"errors"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/MrWong99/xivoice/internal/voice/phonetic"
	"github.com/MrWong99/xivoice/pkg/catalog"
)

// ErrNotFound is returned when the voice pool for the requested language is
// empty.
var ErrNotFound = errors.New("voice: no voice available")

// AnyNPC is the NPC id text that requests a random voice.
const AnyNPC = "any"

// Hint carries everything known about the speaker of an utterance.
type Hint struct {
	// NPCID is the raw npc id text: a decimal id, "any", or empty when absent.
	NPCID string

	// DisplayName is the speaker name as shown in game.
	DisplayName string

	// Language selects the voice pool. Unsupported codes resolve as English.
	Language catalog.Language
}

// Step identifies the cascade rule that produced a voice.
type Step int

const (
	StepNone Step = iota
	StepNPCCharacter
	StepCharacterName
	StepNPCGender
	StepGenderDictionary
	StepPhonetic
	StepHeuristic
	StepGenderLiteral
	StepAny
	StepNumeric
	StepFallback
)

// String returns the label used in logs and metric attributes.
func (s Step) String() string {
	switch s {
	case StepNPCCharacter:
		return "npc_character"
	case StepCharacterName:
		return "character_name"
	case StepNPCGender:
		return "npc_gender"
	case StepGenderDictionary:
		return "gender_dictionary"
	case StepPhonetic:
		return "phonetic"
	case StepHeuristic:
		return "heuristic"
	case StepGenderLiteral:
		return "gender_literal"
	case StepAny:
		return "any"
	case StepNumeric:
		return "numeric"
	case StepFallback:
		return "fallback"
	default:
		return "none"
	}
}

// Rand is the randomness source used by the "any" rule.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Option is a functional option for [New].
type Option func(*Resolver)

// WithRand replaces the randomness source for the "any" rule. Tests use it to
// make that rule deterministic.
func WithRand(r Rand) Option {
	return func(res *Resolver) { res.rand = r }
}

// WithPhonetic enables the phonetic dictionary fallback between the gender
// dictionary and the heuristics. A nil matcher leaves it disabled.
func WithPhonetic(m *phonetic.Matcher) Option {
	return func(res *Resolver) { res.phonetic = m }
}

// Resolver maps a [Hint] to a [catalog.Voice].
// It is read-only after construction and safe for concurrent use.
type Resolver struct {
	cat      *catalog.Catalog
	rand     Rand
	phonetic *phonetic.Matcher
}

// New returns a Resolver over cat.
func New(cat *catalog.Catalog, opts ...Option) *Resolver {
	r := &Resolver{cat: cat, rand: globalRand{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Catalog returns the catalog the resolver reads from.
func (r *Resolver) Catalog() *catalog.Catalog {
	return r.cat
}

// Resolve runs the cascade for h. It returns [ErrNotFound] only when the pool
// for the normalized language is empty.
func (r *Resolver) Resolve(h Hint) (catalog.Voice, Step, error) {
	lang := catalog.Normalize(h.Language)
	pool := r.cat.Voices(lang)
	if len(pool) == 0 {
		return catalog.Voice{}, StepNone, ErrNotFound
	}

	name := strings.TrimSpace(h.DisplayName)
	idText := strings.TrimSpace(h.NPCID)
	id, idErr := strconv.Atoi(idText)
	numeric := idErr == nil

	var npc catalog.NPC
	var knownNPC bool
	if numeric && id != 0 {
		npc, knownNPC = r.cat.NPC(id)
	}

	if knownNPC {
		if ch, ok := r.cat.MatchCharacter(npc.Name); ok {
			if v, ok := ch.VoiceFor(lang); ok {
				return r.pick(h, v, StepNPCCharacter, "character", ch.Key)
			}
		}
	}

	if name != "" {
		if ch, ok := r.cat.MatchCharacter(name); ok {
			if v, ok := ch.VoiceFor(lang); ok {
				return r.pick(h, v, StepCharacterName, "character", ch.Key)
			}
		}
	}

	if knownNPC {
		filtered := catalog.FilterGender(pool, npc.Gender)
		if len(filtered) > 0 {
			return r.pick(h, filtered[mod(id, len(filtered))], StepNPCGender, "gender", string(npc.Gender))
		}
		return r.pick(h, pool[mod(id, len(pool))], StepNPCGender, "gender", string(npc.Gender))
	}

	if name != "" {
		first := catalog.FirstToken(name)
		if g, ok := r.cat.Genders()[first]; ok {
			if v, ok := byHash(pool, g, name); ok {
				return r.pick(h, v, StepGenderDictionary, "gender", string(g))
			}
		}
		if r.phonetic != nil {
			if g, matched, _, ok := r.phonetic.Lookup(first); ok {
				if v, ok := byHash(pool, g, name); ok {
					return r.pick(h, v, StepPhonetic, "gender", string(g), "matched", matched)
				}
			}
		}
		if g, category, ok := guessGender(name); ok {
			if v, ok := byHash(pool, g, name); ok {
				return r.pick(h, v, StepHeuristic, "gender", string(g), "category", category)
			}
		}
		if g := catalog.Gender(strings.ToLower(name)); g.IsValid() {
			if filtered := catalog.FilterGender(pool, g); len(filtered) > 0 {
				return r.pick(h, filtered[0], StepGenderLiteral, "gender", string(g))
			}
		}
	}

	if strings.EqualFold(idText, AnyNPC) {
		return r.pick(h, pool[r.rand.IntN(len(pool))], StepAny)
	}

	if numeric {
		return r.pick(h, pool[mod(id, len(pool))], StepNumeric)
	}

	return r.pick(h, pool[0], StepFallback)
}

func (r *Resolver) pick(h Hint, v catalog.Voice, step Step, attrs ...any) (catalog.Voice, Step, error) {
	args := append([]any{
		"npc_id", h.NPCID,
		"speaker", h.DisplayName,
		"step", step.String(),
		"voice", v.String(),
	}, attrs...)
	slog.Debug("voice resolved", args...)
	return v, step, nil
}

// byHash picks a voice of gender g by hashing name.
func byHash(pool []catalog.Voice, g catalog.Gender, name string) (catalog.Voice, bool) {
	filtered := catalog.FilterGender(pool, g)
	if len(filtered) == 0 {
		return catalog.Voice{}, false
	}
	return filtered[hashName(name)%uint32(len(filtered))], true
}

// hashName is FNV-1a over the raw display name. It is stable across runs and
// platforms so that the same speaker keeps the same voice between sessions.
func hashName(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

// mod is the non-negative remainder of a / n.
func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
