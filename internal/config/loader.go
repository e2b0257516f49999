package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/xivoice/pkg/catalog"
)

// ValidBackendNames lists the synthesis backends shipped with xivoice.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = []string{"wyoming", "piper"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references, applies defaults and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	expandEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv resolves ${VAR} references in the fields that commonly carry
// secrets or host names.
func expandEnv(cfg *Config) {
	cfg.Transport.WebsocketURI = os.ExpandEnv(cfg.Transport.WebsocketURI)
	cfg.Catalog.PostgresDSN = os.ExpandEnv(cfg.Catalog.PostgresDSN)
	cfg.Catalog.ResourcesDir = os.ExpandEnv(cfg.Catalog.ResourcesDir)
	cfg.TTS.Backend.BaseURL = os.ExpandEnv(cfg.TTS.Backend.BaseURL)
	for i := range cfg.TTS.Fallbacks {
		cfg.TTS.Fallbacks[i].BaseURL = os.ExpandEnv(cfg.TTS.Fallbacks[i].BaseURL)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Transport
	if uri := cfg.Transport.WebsocketURI; uri != "" && !strings.HasPrefix(uri, "ws://") && !strings.HasPrefix(uri, "wss://") {
		errs = append(errs, fmt.Errorf("transport.websocket_uri %q must start with ws:// or wss://", uri))
	}

	// Language
	if l := cfg.Language; l != "" && l != catalog.LangAuto && !l.IsSupported() {
		errs = append(errs, fmt.Errorf("language %q is invalid; valid values: auto, en, de, fr, jp", l))
	}

	// Audio
	if v := cfg.Audio.Volume; v != nil && (*v < 0 || *v > 1) {
		errs = append(errs, fmt.Errorf("audio.volume %.2f is out of range [0, 1]", *v))
	}
	if d := cfg.Audio.OutputDeviceIndex; d != nil && *d < -1 {
		errs = append(errs, fmt.Errorf("audio.output_device_index %d is invalid; use -1 for the default device", *d))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must not be negative", cfg.Audio.OutputSampleRate))
	}

	// TTS
	if cfg.TTS.Backend.Name == "" {
		errs = append(errs, errors.New("tts.backend.name is required"))
	}
	validateBackendName("tts.backend", cfg.TTS.Backend.Name)
	seen := map[string]string{cfg.TTS.Backend.Name: "tts.backend"}
	for i, fb := range cfg.TTS.Fallbacks {
		prefix := fmt.Sprintf("tts.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateBackendName(prefix, fb.Name)
		key := fb.Name + "@" + fb.BaseURL
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates %s", prefix, prev))
		}
		seen[key] = prefix
	}
	for key, mc := range cfg.TTS.ModelConfig {
		prefix := fmt.Sprintf("tts.model_config[%q]", key)
		if !strings.Contains(key, "_") {
			errs = append(errs, fmt.Errorf("%s: key must be <model>_<language>", prefix))
		}
		if mc.MinPhonemeCount < 0 {
			errs = append(errs, fmt.Errorf("%s.min_phoneme_count %d must not be negative", prefix, mc.MinPhonemeCount))
		}
		if mc.FixNoiseScale < 0 {
			errs = append(errs, fmt.Errorf("%s.phoneme_count_fix_noise_scale %.2f must not be negative", prefix, mc.FixNoiseScale))
		}
	}
	if cfg.TTS.SentenceSilence < 0 {
		errs = append(errs, fmt.Errorf("tts.sentence_silence %s must not be negative", cfg.TTS.SentenceSilence))
	}

	// Enhance
	if p := cfg.Enhance.NoiseReduction.PropDecrease; p < 0 || p > 1 {
		errs = append(errs, fmt.Errorf("enhance.noise_reduction.prop_decrease %.2f is out of range [0, 1]", p))
	}
	if cfg.Enhance.Restoration.Enabled && strings.TrimSpace(cfg.Enhance.Restoration.Command) == "" {
		errs = append(errs, errors.New("enhance.restoration.command is required when restoration is enabled"))
	}
	if t := cfg.Enhance.Loudness.TargetLUFS; t > 0 {
		errs = append(errs, fmt.Errorf("enhance.loudness.target_lufs %.1f must not be positive", t))
	}

	// Playback
	if cfg.Playback.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("playback.queue_size %d must not be negative", cfg.Playback.QueueSize))
	}

	// Catalog
	if cfg.Catalog.ResourcesDir == "" {
		errs = append(errs, errors.New("catalog.resources_dir is required"))
	}
	if cfg.Catalog.PostgresDSN == "" {
		slog.Debug("catalog.postgres_dsn is empty; NPC and character tables come from resource files")
	}

	// Voice
	if t := cfg.Voice.PhoneticThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("voice.phonetic_threshold %.2f is out of range [0, 1]", t))
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not in
// [ValidBackendNames].
func validateBackendName(field, name string) {
	if name == "" || slices.Contains(ValidBackendNames, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a third-party backend",
		"field", field,
		"name", name,
		"known", ValidBackendNames,
	)
}
