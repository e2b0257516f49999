package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are tracked one by one; everything else is reported
// in RestartRequired so callers can tell the operator.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	EnabledChanged bool
	NewEnabled     bool

	LanguageChanged bool

	VolumeChanged bool
	NewVolume     float64

	DeviceChanged bool
	NewDevice     int

	EnhanceChanged     bool
	ModelConfigChanged bool

	// RestartRequired names the top-level sections that changed but only
	// take effect after a restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.EnabledChanged || d.LanguageChanged ||
		d.VolumeChanged || d.DeviceChanged || d.EnhanceChanged || d.ModelConfigChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.IsEnabled() != new.IsEnabled() {
		d.EnabledChanged = true
		d.NewEnabled = new.IsEnabled()
	}
	if old.DefaultLanguage() != new.DefaultLanguage() {
		d.LanguageChanged = true
	}
	if old.Audio.VolumeOrDefault() != new.Audio.VolumeOrDefault() {
		d.VolumeChanged = true
		d.NewVolume = new.Audio.VolumeOrDefault()
	}
	if old.Audio.Device() != new.Audio.Device() {
		d.DeviceChanged = true
		d.NewDevice = new.Audio.Device()
	}
	if old.Enhance != new.Enhance {
		d.EnhanceChanged = true
	}
	if !maps.Equal(old.TTS.ModelConfig, new.TTS.ModelConfig) {
		d.ModelConfigChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Audio.OutputSampleRate != new.Audio.OutputSampleRate {
		d.RestartRequired = append(d.RestartRequired, "audio.output_sample_rate")
	}
	if !reflect.DeepEqual(old.TTS.Backend, new.TTS.Backend) ||
		!reflect.DeepEqual(old.TTS.Fallbacks, new.TTS.Fallbacks) ||
		old.TTS.CircuitBreaker != new.TTS.CircuitBreaker ||
		old.TTS.SentenceSilence != new.TTS.SentenceSilence {
		d.RestartRequired = append(d.RestartRequired, "tts")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Job != new.Job {
		d.RestartRequired = append(d.RestartRequired, "job")
	}
	if old.Catalog != new.Catalog {
		d.RestartRequired = append(d.RestartRequired, "catalog")
	}
	if old.Voice != new.Voice {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}

	return d
}
