// Package piper implements tts.Backend by running the piper command line
// binary once per sentence with --output_raw.
//
// Models are looked up in a directory as <model>_<language>.onnx with the
// matching <model>_<language>.json config next to it; the config's
// audio.sample_rate tells how to interpret the raw output and espeak.voice
// selects the espeak-ng voice used to phonemize text for the model.
package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/xivoice/pkg/catalog"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
	"github.com/MrWong99/xivoice/pkg/provider/tts/espeak"
)

var _ tts.Backend = (*Backend)(nil)

const defaultSampleRate = 22050

// Option is a functional option for configuring the Backend.
type Option func(*Backend)

// WithBinary sets the piper executable. Default: "piper" from PATH.
func WithBinary(path string) Option {
	return func(b *Backend) {
		b.binary = path
	}
}

// WithEspeakData points piper and the phonemizer at a custom
// espeak-ng-data directory.
func WithEspeakData(dir string) Option {
	return func(b *Backend) {
		b.espeakData = dir
	}
}

// WithEspeak sets the espeak-ng executable used for phonemization.
// Default: "espeak-ng" from PATH.
func WithEspeak(path string) Option {
	return func(b *Backend) {
		b.espeakBinary = path
	}
}

// WithPhonemizer replaces the espeak-ng phonemizer.
func WithPhonemizer(p tts.Phonemizer) Option {
	return func(b *Backend) {
		b.phonemizer = p
	}
}

// Backend implements tts.Backend using the piper CLI.
type Backend struct {
	binary       string
	modelsDir    string
	espeakData   string
	espeakBinary string
	phonemizer   tts.Phonemizer

	mu      sync.Mutex
	configs map[string]modelConfig // model key → parsed config
}

// New returns a Backend that loads models from modelsDir.
func New(modelsDir string, opts ...Option) (*Backend, error) {
	if modelsDir == "" {
		return nil, errors.New("piper: models directory is required")
	}
	b := &Backend{
		binary:    "piper",
		modelsDir: modelsDir,
		configs:   make(map[string]modelConfig),
	}
	for _, o := range opts {
		o(b)
	}
	if b.phonemizer == nil {
		b.phonemizer = espeak.New(
			espeak.WithBinary(b.espeakBinary),
			espeak.WithDataDir(b.espeakData),
			espeak.WithVoices(b.espeakVoice),
		)
	}
	return b, nil
}

// ModelPaths returns the model and config file paths for v.
func (b *Backend) ModelPaths(v catalog.Voice) (model, config string) {
	base := filepath.Join(b.modelsDir, v.ModelKey())
	return base + ".onnx", base + ".json"
}

// Phonemize implements tts.Backend. Units carry the sentence text for
// Synthesize and its espeak-ng phonemes for length rules.
func (b *Backend) Phonemize(ctx context.Context, text string, voice catalog.Voice) ([]tts.Unit, error) {
	units, err := b.phonemizer.Phonemize(ctx, text, voice)
	if err != nil {
		return nil, fmt.Errorf("piper: phonemize: %w", err)
	}
	return units, nil
}

// Synthesize implements tts.Backend. The subprocess is killed when ctx is
// cancelled.
func (b *Backend) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	text := req.Unit.Text
	if strings.TrimSpace(text) == "" {
		return tts.Audio{}, errors.New("piper: empty text for synthesis")
	}
	modelPath, configPath := b.ModelPaths(req.Voice)
	cfg, err := b.modelConfig(req.Voice.ModelKey(), configPath)
	if err != nil {
		return tts.Audio{}, err
	}

	args := []string{
		"--model", modelPath,
		"--config", configPath,
		"--output_raw",
		"--speaker", strconv.Itoa(req.Voice.Speaker),
	}
	if req.NoiseScale > 0 {
		args = append(args, "--noise_scale", strconv.FormatFloat(req.NoiseScale, 'f', -1, 64))
	}
	if req.SentenceSilence > 0 {
		args = append(args, "--sentence_silence", strconv.FormatFloat(req.SentenceSilence.Seconds(), 'f', -1, 64))
	}
	if b.espeakData != "" {
		args = append(args, "--espeak_data", b.espeakData)
	}

	cmd := exec.CommandContext(ctx, b.binary, args...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return tts.Audio{}, ctx.Err()
		}
		return tts.Audio{}, fmt.Errorf("piper: run %s: %w, stderr: %s", b.binary, err, strings.TrimSpace(stderr.String()))
	}
	return tts.Audio{PCM: stdout.Bytes(), SampleRate: cfg.Audio.SampleRate}, nil
}

type modelConfig struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
	Espeak struct {
		Voice string `json:"voice"`
	} `json:"espeak"`
}

func (b *Backend) modelConfig(key, configPath string) (modelConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg, ok := b.configs[key]; ok {
		return cfg, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return modelConfig{}, fmt.Errorf("piper: read model config: %w", err)
	}
	var cfg modelConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return modelConfig{}, fmt.Errorf("piper: parse model config %s: %w", configPath, err)
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = defaultSampleRate
	}
	b.configs[key] = cfg
	return cfg, nil
}

// espeakVoice is the model's espeak.voice, or the language default when the
// config is missing or names none.
func (b *Backend) espeakVoice(v catalog.Voice) string {
	_, configPath := b.ModelPaths(v)
	if cfg, err := b.modelConfig(v.ModelKey(), configPath); err == nil && cfg.Espeak.Voice != "" {
		return cfg.Espeak.Voice
	}
	return espeak.DefaultVoice(v)
}

// Models lists the <model>_<language> keys available in the models
// directory.
func (b *Backend) Models() ([]string, error) {
	entries, err := os.ReadDir(b.modelsDir)
	if err != nil {
		return nil, fmt.Errorf("piper: read models directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".onnx") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".onnx"))
	}
	return out, nil
}
