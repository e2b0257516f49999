package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/xivoice/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
tts:
  backend:
    name: wyoming
    base_url: localhost:10200
catalog:
  resources_dir: resources
`

const watcherUpdatedYAML = `
server:
  log_level: debug
enabled: false
tts:
  backend:
    name: wyoming
    base_url: localhost:10200
catalog:
  resources_dir: resources
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

// configFile is a config on disk whose mtime moves forward a second on
// every write, so edits are visible regardless of filesystem granularity.
type configFile struct {
	t     *testing.T
	path  string
	stamp time.Time
}

func newConfigFile(t *testing.T, content string) *configFile {
	t.Helper()
	f := &configFile{t: t, path: filepath.Join(t.TempDir(), "config.yaml"), stamp: time.Now()}
	f.write(content)
	return f
}

func (f *configFile) write(content string) {
	f.t.Helper()
	if err := os.WriteFile(f.path, []byte(content), 0o644); err != nil {
		f.t.Fatalf("write %s: %v", f.path, err)
	}
	f.touch()
}

func (f *configFile) touch() {
	f.t.Helper()
	f.stamp = f.stamp.Add(time.Second)
	if err := os.Chtimes(f.path, f.stamp, f.stamp); err != nil {
		f.t.Fatalf("chtimes: %v", err)
	}
}

type applied struct{ old, new *config.Config }

func recordApplied(ch chan applied) func(old, new *config.Config) {
	return func(old, new *config.Config) { ch <- applied{old, new} }
}

func TestWatcher_SeedsCurrent(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)

	w, err := config.NewWatcher(f.path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want info", got)
	}
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("NewWatcher on a missing file succeeded")
	}
}

func TestWatcher_InvalidInitialFile(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherInvalidYAML)
	if _, err := config.NewWatcher(f.path, nil); err == nil {
		t.Fatal("NewWatcher accepted an invalid config")
	}
}

func TestWatcher_ReloadAppliesEdit(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)
	got := make(chan applied, 1)
	w, err := config.NewWatcher(f.path, recordApplied(got))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	f.write(watcherUpdatedYAML)
	changed, err := w.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload = %v, %v; want true, nil", changed, err)
	}

	a := <-got
	if a.old.Server.LogLevel != config.LogInfo || a.new.Server.LogLevel != config.LogDebug {
		t.Errorf("callback got %q -> %q", a.old.Server.LogLevel, a.new.Server.LogLevel)
	}
	if d := config.Diff(a.old, a.new); !d.EnabledChanged || d.NewEnabled {
		t.Errorf("diff: EnabledChanged=%v NewEnabled=%v", d.EnabledChanged, d.NewEnabled)
	}
	if w.Current() != a.new {
		t.Error("Current is not the applied config")
	}
}

func TestWatcher_ReloadIgnores(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		edit func(f *configFile)
	}{
		{"untouched", func(*configFile) {}},
		{"touch only", func(f *configFile) { f.touch() }},
		{"same content rewritten", func(f *configFile) { f.write(watcherValidYAML) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newConfigFile(t, watcherValidYAML)
			w, err := config.NewWatcher(f.path, func(_, _ *config.Config) {
				t.Error("callback fired")
			})
			if err != nil {
				t.Fatalf("NewWatcher: %v", err)
			}
			tt.edit(f)
			if changed, err := w.Reload(); changed || err != nil {
				t.Errorf("Reload = %v, %v; want false, nil", changed, err)
			}
		})
	}
}

func TestWatcher_InvalidEditKeepsPrevious(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)
	got := make(chan applied, 1)
	w, err := config.NewWatcher(f.path, recordApplied(got))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	seed := w.Current()

	f.write(watcherInvalidYAML)
	if changed, err := w.Reload(); changed || err == nil {
		t.Fatalf("Reload = %v, %v; want false and an error", changed, err)
	}
	if w.Current() != seed {
		t.Error("invalid edit replaced the config")
	}

	// The same broken file is reported once, not on every poll.
	if _, err := w.Reload(); err != nil {
		t.Errorf("second Reload of unchanged broken file: %v", err)
	}

	f.write(watcherUpdatedYAML)
	if changed, err := w.Reload(); !changed || err != nil {
		t.Fatalf("Reload after fix = %v, %v", changed, err)
	}
	if a := <-got; a.old != seed {
		t.Error("old config in callback is not the last valid one")
	}
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()
	f := newConfigFile(t, watcherValidYAML)
	got := make(chan applied, 1)
	w, err := config.NewWatcher(f.path, recordApplied(got), config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	f.write(watcherUpdatedYAML)
	select {
	case a := <-got:
		if a.new.Server.LogLevel != config.LogDebug {
			t.Errorf("log_level = %q, want debug", a.new.Server.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("edit not picked up by Run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
