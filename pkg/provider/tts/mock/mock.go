// Package mock provides a test double for the tts.Backend interface.
//
// Use Backend to feed controlled units and audio to the synthesis stage and to
// verify which requests reach the engine.
//
// Example:
//
//	b := &mock.Backend{
//	    Units:            []tts.Unit{{Text: "Hi.", Phonemes: []string{"h", "i"}}, {}},
//	    SamplesPerSymbol: 100,
//	}
//	units, _ := b.Phonemize(ctx, "ignored", voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/xivoice/pkg/audio"
	"github.com/MrWong99/xivoice/pkg/catalog"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
)

// Ensure Backend implements tts.Backend at compile time.
var _ tts.Backend = (*Backend)(nil)

// DefaultSampleRate is used when Backend.SampleRate is zero.
const DefaultSampleRate = 22050

// PhonemizeCall records a single invocation of Phonemize.
type PhonemizeCall struct {
	Text  string
	Voice catalog.Voice
}

// Backend is a mock implementation of tts.Backend.
type Backend struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Units is returned by Phonemize. When nil, [tts.TextUnits] of the input
	// text is returned instead.
	Units []tts.Unit

	// PhonemizeErr, if non-nil, is returned by Phonemize.
	PhonemizeErr error

	// SampleRate of the generated audio. Zero means [DefaultSampleRate].
	SampleRate int

	// SamplesPerSymbol controls the generated PCM length: every phoneme of
	// the request unit yields this many samples of constant amplitude.
	// Zero means 10.
	SamplesPerSymbol int

	// Amplitude of the generated samples. Zero means 1000.
	Amplitude int16

	// SynthesizeDelay blocks each Synthesize call for this long, or until
	// ctx is cancelled.
	SynthesizeDelay time.Duration

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// SynthesizeFunc, if set, replaces the generated audio entirely.
	SynthesizeFunc func(ctx context.Context, req tts.Request) (tts.Audio, error)

	// --- Call records ---

	PhonemizeCalls  []PhonemizeCall
	SynthesizeCalls []tts.Request
}

// Phonemize implements tts.Backend.
func (b *Backend) Phonemize(_ context.Context, text string, voice catalog.Voice) ([]tts.Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PhonemizeCalls = append(b.PhonemizeCalls, PhonemizeCall{Text: text, Voice: voice})
	if b.PhonemizeErr != nil {
		return nil, b.PhonemizeErr
	}
	if b.Units == nil {
		return tts.TextUnits(text), nil
	}
	out := make([]tts.Unit, len(b.Units))
	copy(out, b.Units)
	return out, nil
}

// Synthesize implements tts.Backend.
func (b *Backend) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	b.mu.Lock()
	b.SynthesizeCalls = append(b.SynthesizeCalls, req)
	delay, err, fn := b.SynthesizeDelay, b.SynthesizeErr, b.SynthesizeFunc
	rate, per, amp := b.SampleRate, b.SamplesPerSymbol, b.Amplitude
	b.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return tts.Audio{}, ctx.Err()
		}
	}
	if err != nil {
		return tts.Audio{}, err
	}
	if fn != nil {
		return fn(ctx, req)
	}

	if rate == 0 {
		rate = DefaultSampleRate
	}
	if per == 0 {
		per = 10
	}
	if amp == 0 {
		amp = 1000
	}
	samples := make([]int16, req.Unit.Len()*per)
	for i := range samples {
		samples[i] = amp
	}
	return tts.Audio{PCM: audio.Bytes(samples), SampleRate: rate}, nil
}

// Requests returns a copy of every recorded Synthesize request.
func (b *Backend) Requests() []tts.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]tts.Request, len(b.SynthesizeCalls))
	copy(out, b.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.PhonemizeCalls = nil
	b.SynthesizeCalls = nil
}
