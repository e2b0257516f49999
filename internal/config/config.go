// Package config provides the configuration schema, loader, hot-reload watcher
// and synthesis backend registry for xivoice.
package config

import (
	"time"

	"github.com/MrWong99/xivoice/pkg/catalog"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = "127.0.0.1:8089"
	DefaultWebsocketURI     = "ws://localhost:8080/Messages"
	DefaultReconnectBackoff = 5 * time.Second
	DefaultVolume           = 1.0
	DefaultQueueSize        = 4
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultTargetLUFS       = -23.0
	DefaultPropDecrease     = 1.0
	DefaultBreakerFailures  = 3
	DefaultBreakerReset     = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`

	// Enabled gates Say requests. Nil means enabled.
	Enabled *bool `yaml:"enabled"`

	// Language is the default pool for messages that do not name one. Empty
	// or "auto" means English.
	Language catalog.Language `yaml:"language"`

	Audio    AudioConfig    `yaml:"audio"`
	TTS      TTSConfig      `yaml:"tts"`
	Enhance  EnhanceConfig  `yaml:"enhance"`
	Playback PlaybackConfig `yaml:"playback"`
	Job      JobConfig      `yaml:"job"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Voice    VoiceConfig    `yaml:"voice"`
}

// IsEnabled reports whether Say requests should be spoken.
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// DefaultLanguage returns the pool used for messages without a language.
func (c *Config) DefaultLanguage() catalog.Language {
	if c.Language == "" || c.Language == catalog.LangAuto {
		return catalog.LangEnglish
	}
	return c.Language
}

// ServerConfig holds HTTP control plane and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control plane (health, metrics,
	// say/cancel). Set to "off" to disable it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig configures the inbound websocket connection.
type TransportConfig struct {
	// WebsocketURI is the plugin's websocket server (e.g.,
	// "ws://localhost:8080/Messages"). ${VAR} references are expanded.
	WebsocketURI string `yaml:"websocket_uri"`

	// ReconnectBackoff is the fixed delay between connection attempts.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`
}

// AudioConfig selects the output device and gain.
type AudioConfig struct {
	// Volume is a linear gain in [0, 1]. Nil means 1.
	Volume *float64 `yaml:"volume"`

	// OutputDeviceIndex selects the output device; -1 or unset is the system
	// default.
	OutputDeviceIndex *int `yaml:"output_device_index"`

	// OutputSampleRate forces the device rate. Zero plays each chunk at its
	// own rate.
	OutputSampleRate int `yaml:"output_sample_rate"`
}

// VolumeOrDefault returns the configured volume or [DefaultVolume].
func (a AudioConfig) VolumeOrDefault() float64 {
	if a.Volume == nil {
		return DefaultVolume
	}
	return *a.Volume
}

// Device returns the configured device index or -1.
func (a AudioConfig) Device() int {
	if a.OutputDeviceIndex == nil {
		return -1
	}
	return *a.OutputDeviceIndex
}

// TTSConfig declares the synthesis backend chain.
type TTSConfig struct {
	// Backend is the primary synthesis backend.
	Backend BackendEntry `yaml:"backend"`

	// Fallbacks are tried in order when the primary fails or its circuit is
	// open.
	Fallbacks []BackendEntry `yaml:"fallbacks"`

	// CircuitBreaker tunes the per-backend breaker.
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`

	// ModelConfig holds per-model tweaks keyed by "<model>_<language>".
	ModelConfig map[string]ModelConfigEntry `yaml:"model_config"`

	// SentenceSilence is the pause the engine inserts between sentences it
	// detects inside one unit.
	SentenceSilence time.Duration `yaml:"sentence_silence"`
}

// BackendEntry is the configuration block shared by all synthesis backends.
// The Name field is used to look up the constructor in the [Registry].
type BackendEntry struct {
	// Name selects the registered backend implementation ("wyoming", "piper").
	Name string `yaml:"name"`

	// BaseURL is the backend address: "host:port" for wyoming, the models
	// directory for piper. ${VAR} references are expanded.
	BaseURL string `yaml:"base_url"`

	// Model overrides the model named by the resolved voice. Leave empty to
	// use the voice's own model.
	Model string `yaml:"model"`

	// Options holds backend-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// BreakerConfig tunes the circuit breaker wrapped around each backend.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ModelConfigEntry tweaks synthesis for one model.
type ModelConfigEntry struct {
	// MinPhonemeCount pads short units by repetition up to this many symbols.
	MinPhonemeCount int `yaml:"min_phoneme_count"`

	// FixNoiseScale overrides the model's noise scale when > 0.
	FixNoiseScale float64 `yaml:"phoneme_count_fix_noise_scale"`
}

// EnhanceConfig toggles the post-processing stages.
type EnhanceConfig struct {
	NoiseReduction NoiseReductionConfig `yaml:"noise_reduction"`
	Restoration    RestorationConfig    `yaml:"restoration"`
	Loudness       LoudnessConfig       `yaml:"loudness"`
}

// NoiseReductionConfig configures the noise reduction stage.
type NoiseReductionConfig struct {
	Enabled      bool    `yaml:"enabled"`
	PropDecrease float64 `yaml:"prop_decrease"`
}

// RestorationConfig configures the restoration stage. Command is a shell-free
// command line with {in} and {out} placeholders.
type RestorationConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
}

// LoudnessConfig configures loudness normalisation.
type LoudnessConfig struct {
	Enabled    bool    `yaml:"enabled"`
	TargetLUFS float64 `yaml:"target_lufs"`
}

// PlaybackConfig tunes the playback coordinator.
type PlaybackConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// JobConfig configures job scratch space.
type JobConfig struct {
	// ScratchRoot is the parent of per-job scratch directories. Empty means
	// the OS temp directory.
	ScratchRoot string `yaml:"scratch_root"`
}

// CatalogConfig locates the voice catalog.
type CatalogConfig struct {
	// ResourcesDir holds voices.json, npcs.json, characters.json and
	// genders/{male,female}.txt.
	ResourcesDir string `yaml:"resources_dir"`

	// PostgresDSN, when set, replaces the NPC and character tables with the
	// ones stored in Postgres. ${VAR} references are expanded.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// VoiceConfig tunes the voice resolver.
type VoiceConfig struct {
	// PhoneticGenderLookup enables the sound-alike gender dictionary step.
	PhoneticGenderLookup bool `yaml:"phonetic_gender_lookup"`

	// PhoneticThreshold is the minimum Jaro-Winkler score for that step.
	// Zero keeps the matcher default.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`
}

// ApplyDefaults fills unset fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Transport.WebsocketURI == "" {
		cfg.Transport.WebsocketURI = DefaultWebsocketURI
	}
	if cfg.Transport.ReconnectBackoff <= 0 {
		cfg.Transport.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.Language == "" {
		cfg.Language = catalog.LangAuto
	}
	if cfg.TTS.CircuitBreaker.MaxFailures <= 0 {
		cfg.TTS.CircuitBreaker.MaxFailures = DefaultBreakerFailures
	}
	if cfg.TTS.CircuitBreaker.ResetTimeout <= 0 {
		cfg.TTS.CircuitBreaker.ResetTimeout = DefaultBreakerReset
	}
	if cfg.Enhance.NoiseReduction.PropDecrease == 0 {
		cfg.Enhance.NoiseReduction.PropDecrease = DefaultPropDecrease
	}
	if cfg.Enhance.Loudness.TargetLUFS == 0 {
		cfg.Enhance.Loudness.TargetLUFS = DefaultTargetLUFS
	}
	if cfg.Playback.QueueSize <= 0 {
		cfg.Playback.QueueSize = DefaultQueueSize
	}
	if cfg.Playback.PollInterval <= 0 {
		cfg.Playback.PollInterval = DefaultPollInterval
	}
}
