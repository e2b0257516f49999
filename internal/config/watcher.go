package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultReloadInterval is how often [Watcher.Run] looks at the config file.
const DefaultReloadInterval = 2 * time.Second

// fingerprint identifies one version of the config file on disk.
type fingerprint struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher keeps the config file and the running process in sync. It holds
// the last config that loaded and validated, and hands (old, new) pairs to
// its callback whenever the file content changes to another valid config.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config)

	mu      sync.Mutex
	current *Config
	seen    fingerprint
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultReloadInterval]. Non-positive values are
// ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and returns a watcher seeded with it. apply may
// be nil. Nothing is polled until [Watcher.Run] is called.
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultReloadInterval, apply: apply}
	for _, opt := range opts {
		opt(w)
	}
	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done. Reload failures are logged and the previous
// config stays in effect.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload checks the file once. It reports whether a new config was applied.
// An unchanged file, or one that was only touched, is not a change. A file
// that fails to parse or validate returns the error and is not retried until
// it is written again.
func (w *Watcher) Reload() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	prev := w.seen
	w.mu.Unlock()
	if info.Size() == prev.size && info.ModTime().Equal(prev.mtime) {
		return false, nil
	}

	cfg, fp, err := w.read()
	if err != nil {
		w.mu.Lock()
		w.seen.size, w.seen.mtime = info.Size(), info.ModTime()
		w.mu.Unlock()
		return false, err
	}

	w.mu.Lock()
	if fp.sum == w.seen.sum {
		w.seen = fp
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.seen = cfg, fp
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, fingerprint, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{size: info.Size(), mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
