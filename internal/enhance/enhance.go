// Package enhance post-processes synthesized chunks before playback.
//
// A [Pipeline] runs up to three stages in a fixed order, each toggled by
// [Config]: noise reduction, voice restoration, loudness normalization.
// Stages are fault-isolated: an error or panic inside one stage is logged,
// counted, and the audio from before that stage flows on unchanged. A
// pipeline with every stage disabled returns its input untouched.
package enhance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/xivoice/internal/observe"
	"github.com/MrWong99/xivoice/pkg/audio"
)

// Stage names used in logs and metric attributes.
const (
	StageNoiseReduction = "noise_reduction"
	StageRestoration    = "restoration"
	StageLoudness       = "loudness"
)

const (
	// DefaultPropDecrease fully attenuates gated frames.
	DefaultPropDecrease = 1.0

	// DefaultTargetLUFS is the EBU R128 broadcast target.
	DefaultTargetLUFS = -23.0

	// RestorationPad is the silence placed before and after a chunk handed to
	// the restorer.
	RestorationPad = 100 * time.Millisecond
)

// NoiseReducer removes stationary background noise from normalized mono
// samples. propDecrease in [0, 1] scales how much noise is removed.
type NoiseReducer interface {
	Reduce(samples []float64, rate int, propDecrease float64) ([]float64, error)
}

// Restorer rewrites the WAV file at inPath into an enhanced WAV file at
// outPath. The output may use a different sample rate.
type Restorer interface {
	Restore(ctx context.Context, inPath, outPath string) error
}

// LoudnessMeter measures integrated loudness in LUFS. Silent input reports
// negative infinity.
type LoudnessMeter interface {
	Integrated(samples []float64, rate int) (float64, error)
}

// Config toggles and tunes the stages.
type Config struct {
	NoiseReduction bool
	PropDecrease   float64

	Restoration bool

	Loudness   bool
	TargetLUFS float64
}

// withDefaults fills zero tuning values.
func (c Config) withDefaults() Config {
	if c.PropDecrease == 0 {
		c.PropDecrease = DefaultPropDecrease
	}
	if c.TargetLUFS == 0 {
		c.TargetLUFS = DefaultTargetLUFS
	}
	return c
}

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithNoiseReducer replaces the default [NoiseGate].
func WithNoiseReducer(r NoiseReducer) Option {
	return func(p *Pipeline) { p.reducer = r }
}

// WithRestorer sets the restoration backend. Without one the restoration
// stage fails (and passes audio through) whenever it is enabled.
func WithRestorer(r Restorer) Option {
	return func(p *Pipeline) { p.restorer = r }
}

// WithLoudnessMeter replaces the default [BS1770Meter].
func WithLoudnessMeter(m LoudnessMeter) Option {
	return func(p *Pipeline) { p.meter = m }
}

// WithMetrics records stage latency and failures on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline is the enhancement pipeline. It is safe for concurrent use and
// its [Config] can be swapped at runtime with [Pipeline.SetConfig].
type Pipeline struct {
	reducer  NoiseReducer
	restorer Restorer
	meter    LoudnessMeter
	metrics  *observe.Metrics

	mu  sync.RWMutex
	cfg Config
}

// New returns a Pipeline with the given stage configuration.
func New(cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:     cfg.withDefaults(),
		reducer: NewNoiseGate(),
		meter:   BS1770Meter{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Config returns the active stage configuration.
func (p *Pipeline) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetConfig replaces the stage configuration. Chunks already inside
// [Pipeline.Enhance] finish with the previous configuration.
func (p *Pipeline) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

// Enhance applies every enabled stage to chunk and returns the result. It
// never fails; see the package documentation for the failure policy.
func (p *Pipeline) Enhance(ctx context.Context, chunk audio.Chunk) audio.Chunk {
	cfg := p.Config()

	if cfg.NoiseReduction {
		chunk = p.run(ctx, StageNoiseReduction, chunk, func(c audio.Chunk) (audio.Chunk, error) {
			return p.reduceNoise(c, cfg.PropDecrease)
		})
	}
	if cfg.Restoration {
		chunk = p.run(ctx, StageRestoration, chunk, func(c audio.Chunk) (audio.Chunk, error) {
			return p.restore(ctx, c)
		})
	}
	if cfg.Loudness {
		chunk = p.run(ctx, StageLoudness, chunk, func(c audio.Chunk) (audio.Chunk, error) {
			return p.normalize(c, cfg.TargetLUFS)
		})
	}
	return chunk
}

// run executes one stage with panic recovery. On failure the input chunk is
// returned.
func (p *Pipeline) run(ctx context.Context, stage string, in audio.Chunk, fn func(audio.Chunk) (audio.Chunk, error)) (out audio.Chunk) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.fail(ctx, stage, in, fmt.Errorf("panic: %v", r))
			out = in
		}
		p.metrics.ObserveEnhance(ctx, stage, time.Since(start))
	}()

	res, err := fn(in)
	if err != nil {
		p.fail(ctx, stage, in, err)
		return in
	}
	return res
}

func (p *Pipeline) fail(ctx context.Context, stage string, in audio.Chunk, err error) {
	observe.Logger(ctx).Warn("enhancement stage failed, passing audio through",
		"stage", stage,
		"seq", in.Seq,
		"err", err)
	p.metrics.RecordEnhanceFailure(ctx, stage)
}

func (p *Pipeline) reduceNoise(c audio.Chunk, propDecrease float64) (audio.Chunk, error) {
	out, err := p.reducer.Reduce(audio.Float64s(c.PCM), c.SampleRate, propDecrease)
	if err != nil {
		return audio.Chunk{}, err
	}
	return c.WithPCM(audio.FromFloat64s(out)), nil
}

// restore pads the chunk, round-trips it through the restorer via WAV files
// next to the chunk's scratch file, and returns the restored audio.
func (p *Pipeline) restore(ctx context.Context, c audio.Chunk) (audio.Chunk, error) {
	if p.restorer == nil {
		return audio.Chunk{}, fmt.Errorf("enhance: no restorer configured")
	}

	dir := filepath.Dir(c.Path)
	if c.Path == "" {
		tmp, err := os.MkdirTemp("", "xivoice-restore-*")
		if err != nil {
			return audio.Chunk{}, fmt.Errorf("enhance: restore: %w", err)
		}
		defer func() {
			if err := os.RemoveAll(tmp); err != nil {
				slog.Warn("failed to remove restoration temp dir", "dir", tmp, "err", err)
			}
		}()
		dir = tmp
	}

	inPath := filepath.Join(dir, fmt.Sprintf("restore_in%d.wav", c.Seq))
	outPath := filepath.Join(dir, fmt.Sprintf("restore_out%d.wav", c.Seq))
	padded := c.WithPCM(audio.Pad(c.PCM, c.SampleRate, RestorationPad))
	if err := audio.WriteWAVFile(inPath, padded); err != nil {
		return audio.Chunk{}, err
	}
	if err := p.restorer.Restore(ctx, inPath, outPath); err != nil {
		return audio.Chunk{}, fmt.Errorf("enhance: restore: %w", err)
	}
	restored, err := audio.ReadWAVFile(outPath)
	if err != nil {
		return audio.Chunk{}, err
	}
	restored.Seq = c.Seq
	if c.Path == "" {
		restored.Path = ""
	}
	return restored, nil
}

func (p *Pipeline) normalize(c audio.Chunk, target float64) (audio.Chunk, error) {
	samples := audio.Float64s(c.PCM)
	lufs, err := p.meter.Integrated(samples, c.SampleRate)
	if err != nil {
		return audio.Chunk{}, err
	}
	if math.IsInf(lufs, -1) {
		return c, nil
	}
	gain := math.Pow(10, (target-lufs)/20)
	return c.WithPCM(audio.ApplyGain(c.PCM, gain)), nil
}
