// Package synth turns an utterance into a lazy, finite sequence of audio
// chunks, one per sentence unit.
//
// A [Stage] phonemizes the text through a [tts.Backend], then renders each
// non-empty unit on demand. Units shorter than the model's minimum phoneme
// count are repeated with a filler before synthesis and the audio is cut
// back to a single repetition afterwards; some models produce garbled
// output for very short inputs and this works around it.
//
// Every chunk ends with a short fade-out followed by silence and is written
// to the job's scratch directory as piper<N>.wav.
package synth

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/xivoice/internal/observe"
	"github.com/MrWong99/xivoice/pkg/audio"
	"github.com/MrWong99/xivoice/pkg/catalog"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
)

const (
	// DefaultSentenceSilence is passed to the backend as the pause after
	// each sentence it detects inside a unit.
	DefaultSentenceSilence = 200 * time.Millisecond

	// FadeOut is the linear fade applied to the tail of every chunk.
	FadeOut = 100 * time.Millisecond

	// TrailingSilence is appended after the fade.
	TrailingSilence = 150 * time.Millisecond
)

// filler separates repetitions of a short unit, both in the text sent to
// the engine and in the phoneme sequence.
var filler = []string{";", ",", " "}

// ModelConfig tunes synthesis for one model/language pair, keyed by
// [catalog.Voice.ModelKey].
type ModelConfig struct {
	// MinPhonemeCount is the shortest unit, in phoneme symbols as returned
	// by the backend's phonemizer, that the model renders cleanly. Backends
	// without a real phonemizer report letters instead. Zero disables
	// repetition.
	MinPhonemeCount int

	// FixNoiseScale overrides the noise scale for repeated units when > 0.
	FixNoiseScale float64
}

// Option is a functional option for [New].
type Option func(*Stage)

// WithModelConfig sets the per-model tuning table.
func WithModelConfig(models map[string]ModelConfig) Option {
	return func(s *Stage) {
		s.models = make(map[string]ModelConfig, len(models))
		for k, v := range models {
			s.models[k] = v
		}
	}
}

// WithSentenceSilence overrides [DefaultSentenceSilence].
func WithSentenceSilence(d time.Duration) Option {
	return func(s *Stage) { s.sentenceSilence = d }
}

// WithMetrics records per-unit synthesis latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stage) { s.metrics = m }
}

// Stage is the synthesis stage. It is safe for concurrent use; each call to
// [Stage.Synthesize] yields an independent sequence.
type Stage struct {
	backend         tts.Backend
	sentenceSilence time.Duration
	metrics         *observe.Metrics

	mu     sync.RWMutex
	models map[string]ModelConfig
}

// New returns a Stage rendering through backend.
func New(backend tts.Backend, opts ...Option) *Stage {
	s := &Stage{
		backend:         backend,
		sentenceSilence: DefaultSentenceSilence,
		models:          map[string]ModelConfig{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SetModelConfig replaces the per-model tuning table. Sequences already
// running keep the entry they started with.
func (s *Stage) SetModelConfig(models map[string]ModelConfig) {
	next := make(map[string]ModelConfig, len(models))
	for k, v := range models {
		next[k] = v
	}
	s.mu.Lock()
	s.models = next
	s.mu.Unlock()
}

func (s *Stage) modelConfig(voice catalog.Voice) ModelConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.models[voice.ModelKey()]
}

// Synthesize returns the chunk sequence for text spoken by voice. Nothing
// happens until the sequence is ranged over; ranging over it again redoes
// the work. Chunk Seq values start at 0 and increase by one per emitted
// chunk; empty units are skipped without consuming a Seq.
//
// When scratchDir is non-empty every chunk is also written there and its
// Path set. The sequence ends after the first error, which is yielded with
// a zero chunk. A cancelled ctx is observed between units and yields
// ctx.Err().
func (s *Stage) Synthesize(ctx context.Context, text string, voice catalog.Voice, scratchDir string) iter.Seq2[audio.Chunk, error] {
	return func(yield func(audio.Chunk, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(audio.Chunk{}, err)
			return
		}
		units, err := s.backend.Phonemize(ctx, text, voice)
		if err != nil {
			yield(audio.Chunk{}, fmt.Errorf("synth: phonemize: %w", err))
			return
		}

		cfg := s.modelConfig(voice)
		seq := 0
		for _, unit := range units {
			if err := ctx.Err(); err != nil {
				yield(audio.Chunk{}, err)
				return
			}
			if unit.Empty() {
				continue
			}
			chunk, err := s.render(ctx, unit, voice, cfg, seq, scratchDir)
			if err != nil {
				yield(audio.Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
			seq++
		}
	}
}

// render synthesizes one non-empty unit into a finalized chunk.
func (s *Stage) render(ctx context.Context, unit tts.Unit, voice catalog.Voice, cfg ModelConfig, seq int, scratchDir string) (audio.Chunk, error) {
	req, reps := buildRequest(unit, voice, cfg)
	req.SentenceSilence = s.sentenceSilence
	if reps > 1 {
		slog.Debug("min phoneme count not reached, repeating unit",
			"unit", unit.Text,
			"phonemes", unit.Len(),
			"min_phoneme_count", cfg.MinPhonemeCount,
			"repetitions", reps)
	}

	start := time.Now()
	out, err := s.backend.Synthesize(ctx, req)
	s.metrics.ObserveSynth(ctx, voice.ModelKey(), time.Since(start))
	if err != nil {
		return audio.Chunk{}, fmt.Errorf("synth: unit %d: %w", seq, err)
	}

	pcm := out.PCM
	if reps > 1 {
		pcm = audio.Truncate(pcm, len(pcm)/reps)
	}
	pcm = audio.FadeOut(pcm, out.SampleRate, FadeOut)
	pcm = audio.AppendSilence(pcm, out.SampleRate, TrailingSilence)

	chunk := audio.Chunk{Seq: seq, PCM: pcm, SampleRate: out.SampleRate}
	if scratchDir != "" {
		path := filepath.Join(scratchDir, fmt.Sprintf("piper%d.wav", seq))
		if err := audio.WriteWAVFile(path, chunk); err != nil {
			return audio.Chunk{}, fmt.Errorf("synth: unit %d: %w", seq, err)
		}
		chunk.Path = path
	}
	return chunk, nil
}

// buildRequest applies the minimum phoneme count rule. It returns the
// request and the number of repetitions it contains.
func buildRequest(unit tts.Unit, voice catalog.Voice, cfg ModelConfig) (tts.Request, int) {
	req := tts.Request{Unit: unit, Voice: voice}
	n := unit.Len()
	if cfg.MinPhonemeCount <= 0 || n >= cfg.MinPhonemeCount {
		return req, 1
	}
	reps := (cfg.MinPhonemeCount + n - 1) / n
	gap := strings.Join(filler, "")
	repeated := tts.Unit{
		Text:     strings.Repeat(unit.Text+gap, reps),
		Phonemes: make([]string, 0, reps*(n+len(filler))),
	}
	for range reps {
		repeated.Phonemes = append(repeated.Phonemes, unit.Phonemes...)
		repeated.Phonemes = append(repeated.Phonemes, filler...)
	}
	req.Unit = repeated
	if cfg.FixNoiseScale > 0 {
		req.NoiseScale = cfg.FixNoiseScale
	}
	return req, reps
}
