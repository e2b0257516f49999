// Package tts defines the Backend interface for speech synthesis engines.
//
// A backend wraps a neural text-to-speech engine (a local piper binary, a
// Wyoming protocol server, ...) and exposes the two operations the synthesis
// stage needs: splitting text into sentence units of phoneme symbols, and
// rendering one unit to raw 16-bit mono PCM.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/xivoice/pkg/catalog"
)

// Unit is one sentence-like unit: the text handed to the engine and the
// ordered phoneme symbols it was phonemized to. Length rules such as the
// minimum phoneme count look at Phonemes only.
type Unit struct {
	Text     string
	Phonemes []string
}

// Len is the phoneme count of u.
func (u Unit) Len() int { return len(u.Phonemes) }

// Empty reports whether u carries no phonemes. Empty units are skipped.
func (u Unit) Empty() bool { return len(u.Phonemes) == 0 }

// String renders the phonemes for logs.
func (u Unit) String() string { return strings.Join(u.Phonemes, "") }

// Request describes one synthesis call.
type Request struct {
	// Unit is the sentence to render. Its text may contain filler added by
	// the caller (";", ",", " ").
	Unit Unit

	// Voice selects model, language and speaker.
	Voice catalog.Voice

	// NoiseScale overrides the model's noise scale when > 0.
	NoiseScale float64

	// SentenceSilence is the pause inserted after each sentence the engine
	// itself detects inside Unit.
	SentenceSilence time.Duration
}

// Audio is raw little-endian int16 mono PCM at SampleRate.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Phonemizer splits text into ordered sentence units for a voice. A unit may
// be empty; callers skip empty units.
type Phonemizer interface {
	Phonemize(ctx context.Context, text string, voice catalog.Voice) ([]Unit, error)
}

// Backend is the abstraction over any synthesis engine.
type Backend interface {
	Phonemizer

	// Synthesize renders req to PCM. It honours ctx for cancellation as far
	// as the underlying engine allows.
	Synthesize(ctx context.Context, req Request) (Audio, error)
}
