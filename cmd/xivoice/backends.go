package main

import (
	"fmt"
	"time"

	"github.com/MrWong99/xivoice/internal/config"
	"github.com/MrWong99/xivoice/internal/protocol"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
	"github.com/MrWong99/xivoice/pkg/provider/tts/espeak"
	"github.com/MrWong99/xivoice/pkg/provider/tts/piper"
	"github.com/MrWong99/xivoice/pkg/provider/tts/wyoming"
)

// registerBuiltinBackends wires the backend factories that ship with xivoice
// into reg. Each factory receives a config.BackendEntry and constructs the
// backend from the real implementation package.
func registerBuiltinBackends(reg *config.Registry) {
	// wyoming: base_url is host:port. Options:
	//   endpoints: {de: host:port, ...}  per-language servers
	//   dial_timeout, request_timeout: durations such as "5s"
	//   phonemizer: "espeak" to count espeak-ng phonemes instead of letters
	//   espeak, espeak_data: espeak-ng binary and data directory
	reg.RegisterBackend("wyoming", func(entry config.BackendEntry) (tts.Backend, error) {
		var opts []wyoming.Option
		switch p := optString(entry.Options, "phonemizer"); p {
		case "", "text":
		case "espeak":
			opts = append(opts, wyoming.WithPhonemizer(espeak.New(
				espeak.WithBinary(optString(entry.Options, "espeak")),
				espeak.WithDataDir(optString(entry.Options, "espeak_data")),
			)))
		default:
			return nil, fmt.Errorf("wyoming: unknown phonemizer %q", p)
		}
		if eps, ok := entry.Options["endpoints"].(map[string]any); ok {
			for label, v := range eps {
				addr, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("wyoming: endpoint %q must be a string", label)
				}
				opts = append(opts, wyoming.WithLanguageEndpoint(protocol.ParseLanguage(label), addr))
			}
		}
		d, err := optDuration(entry.Options, "dial_timeout")
		if err != nil {
			return nil, err
		}
		if d > 0 {
			opts = append(opts, wyoming.WithDialTimeout(d))
		}
		if d, err = optDuration(entry.Options, "request_timeout"); err != nil {
			return nil, err
		}
		if d > 0 {
			opts = append(opts, wyoming.WithRequestTimeout(d))
		}
		return wyoming.New(entry.BaseURL, opts...)
	})

	// piper: base_url is the models directory. Options: binary, espeak,
	// espeak_data.
	reg.RegisterBackend("piper", func(entry config.BackendEntry) (tts.Backend, error) {
		var opts []piper.Option
		if bin := optString(entry.Options, "binary"); bin != "" {
			opts = append(opts, piper.WithBinary(bin))
		}
		if bin := optString(entry.Options, "espeak"); bin != "" {
			opts = append(opts, piper.WithEspeak(bin))
		}
		if dir := optString(entry.Options, "espeak_data"); dir != "" {
			opts = append(opts, piper.WithEspeakData(dir))
		}
		return piper.New(entry.BaseURL, opts...)
	})
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a backend Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration option. Absent keys yield zero.
func optDuration(opts map[string]any, key string) (time.Duration, error) {
	s := optString(opts, key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}
