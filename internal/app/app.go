// Package app wires all xivoice subsystems into a running application.
//
// The App struct owns the full lifecycle: New loads the catalog and builds
// the speech pipeline, Run connects to the plugin and serves the HTTP
// control plane, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithCatalog,
// WithBackend, WithPlayer). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/xivoice/internal/client"
	"github.com/MrWong99/xivoice/internal/config"
	"github.com/MrWong99/xivoice/internal/enhance"
	"github.com/MrWong99/xivoice/internal/health"
	"github.com/MrWong99/xivoice/internal/httpapi"
	"github.com/MrWong99/xivoice/internal/job"
	"github.com/MrWong99/xivoice/internal/observe"
	"github.com/MrWong99/xivoice/internal/playback"
	"github.com/MrWong99/xivoice/internal/protocol"
	"github.com/MrWong99/xivoice/internal/resilience"
	"github.com/MrWong99/xivoice/internal/synth"
	"github.com/MrWong99/xivoice/internal/voice"
	"github.com/MrWong99/xivoice/internal/voice/phonetic"
	"github.com/MrWong99/xivoice/pkg/audio"
	"github.com/MrWong99/xivoice/pkg/audio/portaudio"
	"github.com/MrWong99/xivoice/pkg/catalog"
	"github.com/MrWong99/xivoice/pkg/catalog/postgres"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
)

// ErrDisabled is returned by [App.Dispatch] for Say messages received while
// speech is switched off.
var ErrDisabled = errors.New("app: speech disabled")

var (
	_ client.Handler     = (*App)(nil)
	_ httpapi.Dispatcher = (*App)(nil)
	_ httpapi.Status     = (*App)(nil)
	_ playback.Controls  = (*liveControls)(nil)
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	levelVar *slog.LevelVar
	enabled  atomic.Bool
	language atomic.Value // catalog.Language
	controls *liveControls

	registry *config.Registry
	backend  tts.Backend

	catalog  *catalog.Catalog
	resolver *voice.Resolver
	fallback *resilience.BackendFallback
	synth    *synth.Stage
	enhancer *enhance.Pipeline
	player   audio.Player
	playback *playback.Coordinator
	jobs     *job.Controller
	client   *client.Client
	health   *health.Handler
	api      *httpapi.Server

	noTransport bool
	noHTTP      bool

	// ctx bounds every job; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	lastErr map[string]string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCatalog injects a catalog instead of loading catalog.resources_dir.
func WithCatalog(c *catalog.Catalog) Option {
	return func(a *App) { a.catalog = c }
}

// WithRegistry sets the registry used to build the configured backends.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithBackend injects a single TTS backend and skips the registry.
func WithBackend(b tts.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithPlayer injects an audio player instead of opening PortAudio.
func WithPlayer(p audio.Player) Option {
	return func(a *App) { a.player = p }
}

// WithMetrics sets the metrics instruments. Default: observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler
// built around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithoutTransport skips the plugin websocket client in Run.
func WithoutTransport() Option {
	return func(a *App) { a.noTransport = true }
}

// WithoutHTTP skips the HTTP control plane in Run.
func WithoutHTTP() Option {
	return func(a *App) { a.noHTTP = true }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// validated. ctx only bounds initialisation; jobs live until Shutdown.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		lastErr: make(map[string]string),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.levelVar == nil {
		a.levelVar = new(slog.LevelVar)
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.enabled.Store(cfg.IsEnabled())
	a.language.Store(cfg.DefaultLanguage())
	a.controls = newLiveControls(cfg.Audio.VolumeOrDefault(), cfg.Audio.Device())

	// ── 1. Catalog ───────────────────────────────────────────────────────
	if err := a.initCatalog(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 2. Voice resolver ────────────────────────────────────────────────
	a.resolver = NewResolver(cfg.Voice, a.catalog)

	// ── 3. TTS backends ──────────────────────────────────────────────────
	if err := a.buildBackends(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init backends: %w", err)
	}

	// ── 4. Synthesis ─────────────────────────────────────────────────────
	a.synth = synth.New(a.fallback,
		synth.WithModelConfig(modelConfig(cfg.TTS.ModelConfig)),
		synth.WithSentenceSilence(cfg.TTS.SentenceSilence),
		synth.WithMetrics(a.metrics),
	)

	// ── 5. Enhancement ───────────────────────────────────────────────────
	eopts := []enhance.Option{
		enhance.WithNoiseReducer(enhance.NewNoiseGate()),
		enhance.WithLoudnessMeter(enhance.BS1770Meter{}),
		enhance.WithMetrics(a.metrics),
	}
	if line := cfg.Enhance.Restoration.Command; line != "" {
		r, err := enhance.ParseCommand(line)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: init restoration: %w", err)
		}
		eopts = append(eopts, enhance.WithRestorer(r))
	}
	a.enhancer = enhance.New(enhanceConfig(cfg.Enhance), eopts...)

	// ── 6. Audio output ──────────────────────────────────────────────────
	if err := a.initPlayer(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}
	a.playback = playback.New(a.player,
		playback.WithEnhancer(a.enhancer),
		playback.WithControls(a.controls),
		playback.WithQueueSize(cfg.Playback.QueueSize),
		playback.WithPollInterval(cfg.Playback.PollInterval),
		playback.WithMetrics(a.metrics),
	)

	// ── 7. Job controller ────────────────────────────────────────────────
	a.jobs = job.New(a.resolver, a.synth, a.playback,
		job.WithScratchRoot(cfg.Job.ScratchRoot),
		job.WithMetrics(a.metrics),
	)

	// ── 8. Plugin transport ──────────────────────────────────────────────
	if !a.noTransport {
		a.client = client.New(cfg.Transport.WebsocketURI, a,
			client.WithBackoff(cfg.Transport.ReconnectBackoff),
			client.WithMetrics(a.metrics),
		)
	}

	// ── 9. Health + HTTP API ─────────────────────────────────────────────
	checkers := []health.Checker{
		health.NonEmpty("catalog", "voices", func() int { return a.catalog.Stats().Voices }),
		health.AnyAvailable("backends", a.backendAvailability),
	}
	if a.client != nil {
		checkers = append(checkers, health.Connected("transport", a.client.Connected))
	}
	a.health = health.New(checkers...)
	a.api = httpapi.New(httpapi.Deps{
		Dispatcher:      a,
		Resolver:        a.resolver,
		Catalog:         a.catalog,
		Health:          a.health,
		Status:          a,
		DefaultLanguage: a.Language,
		Metrics:         a.metrics,
	})

	stats := a.catalog.Stats()
	slog.Info("app ready",
		"voices", stats.Voices,
		"npcs", stats.NPCs,
		"characters", stats.Characters,
		"backends", a.fallback.Names(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCatalog loads the catalog unless one was injected.
func (a *App) initCatalog(ctx context.Context) error {
	if a.catalog != nil {
		return nil
	}
	cat, err := LoadCatalog(ctx, a.cfg.Catalog)
	if err != nil {
		return err
	}
	a.catalog = cat
	return nil
}

// LoadCatalog loads the resource directory and, when a DSN is configured,
// replaces the NPC and character tables with the ones stored in Postgres.
// The database is only read during the call.
func LoadCatalog(ctx context.Context, cfg config.CatalogConfig) (*catalog.Catalog, error) {
	cat, err := catalog.LoadDir(cfg.ResourcesDir)
	if err != nil {
		return nil, err
	}
	if cfg.PostgresDSN == "" {
		return cat, nil
	}

	src, err := postgres.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return catalog.WithSource(ctx, cat, src)
}

// NewResolver builds the voice resolver over cat, with the phonetic step
// enabled when cfg asks for it.
func NewResolver(cfg config.VoiceConfig, cat *catalog.Catalog) *voice.Resolver {
	if !cfg.PhoneticGenderLookup {
		return voice.New(cat)
	}
	var popts []phonetic.Option
	if cfg.PhoneticThreshold > 0 {
		popts = append(popts, phonetic.WithThreshold(cfg.PhoneticThreshold))
	}
	return voice.New(cat, voice.WithPhonetic(phonetic.New(cat.Genders(), popts...)))
}

// initPlayer opens PortAudio unless a player was injected.
func (a *App) initPlayer() error {
	if a.player != nil {
		return nil
	}
	var opts []portaudio.Option
	if rate := a.cfg.Audio.OutputSampleRate; rate > 0 {
		opts = append(opts, portaudio.WithOutputSampleRate(rate))
	}
	p, err := portaudio.New(opts...)
	if err != nil {
		return err
	}
	a.player = p
	a.closers = append(a.closers, p.Close)
	return nil
}

// ─── Dispatch ────────────────────────────────────────────────────────────────

// Dispatch applies one protocol message. A Say supersedes the current job;
// a Cancel stops it. The job's lifetime is not bound to ctx.
func (a *App) Dispatch(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Say:
		if !a.enabled.Load() {
			slog.Info("speech disabled, dropping message", "speaker", m.Speaker)
			return ErrDisabled
		}
		_, err := a.Speak(m)
		return err
	case protocol.Cancel:
		a.jobs.Cancel()
		slog.Debug("job cancelled by request")
		return nil
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownType, msg.Type())
	}
}

// Handle implements client.Handler.
func (a *App) Handle(ctx context.Context, msg protocol.Message) {
	if err := a.Dispatch(ctx, msg); err != nil && !errors.Is(err, ErrDisabled) {
		slog.Warn("message not applied", "type", string(msg.Type()), "err", err)
	}
}

// Speak submits say as the new current job, ignoring the enabled switch.
func (a *App) Speak(say protocol.Say) (*job.Handle, error) {
	lang := protocol.ResolveLanguage(say.Language, a.Language())
	h, err := a.jobs.Submit(a.ctx, job.Request{
		Text: say.Text,
		Hint: voice.Hint{
			NPCID:       say.NPCID,
			DisplayName: say.Speaker,
			Language:    lang,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: speak: %w", err)
	}
	slog.Debug("job submitted", "token", h.Token(), "speaker", say.Speaker, "language", string(lang))
	return h, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Language returns the default language used for "auto" requests.
func (a *App) Language() catalog.Language {
	return a.language.Load().(catalog.Language)
}

// Enabled reports whether Say messages are spoken.
func (a *App) Enabled() bool { return a.enabled.Load() }

// Catalog returns the loaded catalog.
func (a *App) Catalog() *catalog.Catalog { return a.catalog }

// Resolver returns the voice resolver.
func (a *App) Resolver() *voice.Resolver { return a.resolver }

// Router returns the HTTP control plane handler.
func (a *App) Router() http.Handler { return a.api.Router() }

// Status implements httpapi.Status.
func (a *App) Status() map[string]any {
	st := map[string]any{
		"enabled":       a.enabled.Load(),
		"language":      string(a.Language()),
		"volume":        a.controls.Volume(),
		"output_device": a.controls.OutputDevice(),
	}
	if a.client != nil {
		st["transport"] = map[string]any{
			"connected": a.client.Connected(),
			"attempts":  a.client.Attempts(),
		}
	}
	if h := a.jobs.Current(); h != nil {
		st["job"] = map[string]any{
			"token": h.Token(),
			"state": h.State().String(),
		}
	}

	a.mu.Lock()
	backends := make([]map[string]any, 0, len(a.fallback.Names()))
	for _, name := range a.fallback.Names() {
		b := map[string]any{
			"name":    name,
			"breaker": a.fallback.Breaker(name).State().String(),
		}
		if e, ok := a.lastErr[name]; ok {
			b["last_error"] = e
		}
		backends = append(backends, b)
	}
	a.mu.Unlock()
	st["backends"] = backends

	stats := a.catalog.Stats()
	st["catalog"] = map[string]int{
		"voices":     stats.Voices,
		"npcs":       stats.NPCs,
		"characters": stats.Characters,
		"names":      stats.Names,
	}
	return st
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// It is meant as the config.Watcher change callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.EnabledChanged {
		a.enabled.Store(d.NewEnabled)
		if !d.NewEnabled {
			a.jobs.Cancel()
		}
		slog.Info("speech toggled", "enabled", d.NewEnabled)
	}
	if d.LanguageChanged {
		a.language.Store(new.DefaultLanguage())
		slog.Info("default language changed", "language", string(new.DefaultLanguage()))
	}
	if d.VolumeChanged {
		a.controls.SetVolume(d.NewVolume)
		slog.Info("volume changed", "volume", d.NewVolume)
	}
	if d.DeviceChanged {
		a.controls.SetOutputDevice(d.NewDevice)
		slog.Info("output device changed", "device", d.NewDevice)
	}
	if d.EnhanceChanged {
		a.enhancer.SetConfig(enhanceConfig(new.Enhance))
		if old.Enhance.Restoration.Command != new.Enhance.Restoration.Command {
			slog.Warn("restoration command changes take effect after restart")
		}
		slog.Info("enhancement settings changed")
	}
	if d.ModelConfigChanged {
		a.synth.SetModelConfig(modelConfig(new.TTS.ModelConfig))
		slog.Info("model config changed", "models", len(new.TTS.ModelConfig))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the plugin and serves the HTTP control plane until ctx is
// cancelled or the HTTP server fails. The running job is cancelled on return.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.client != nil {
		g.Go(func() error { return a.client.Run(ctx) })
	}

	if !a.noHTTP {
		srv := &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           a.api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http api listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("app running", "transport", a.client != nil, "http", !a.noHTTP)
	err := g.Wait()
	a.jobs.Cancel()
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown cancels the running job and tears down all subsystems in order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.cancel()
		a.jobs.Cancel()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	a.cancel()
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog.Level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func modelConfig(in map[string]config.ModelConfigEntry) map[string]synth.ModelConfig {
	out := make(map[string]synth.ModelConfig, len(in))
	for k, v := range in {
		out[k] = synth.ModelConfig{MinPhonemeCount: v.MinPhonemeCount, FixNoiseScale: v.FixNoiseScale}
	}
	return out
}

func enhanceConfig(in config.EnhanceConfig) enhance.Config {
	return enhance.Config{
		NoiseReduction: in.NoiseReduction.Enabled,
		PropDecrease:   in.NoiseReduction.PropDecrease,
		Restoration:    in.Restoration.Enabled,
		Loudness:       in.Loudness.Enabled,
		TargetLUFS:     in.Loudness.TargetLUFS,
	}
}

// liveControls holds the volume and output device, both changeable while a
// job plays.
type liveControls struct {
	volume atomic.Uint64
	device atomic.Int64
}

func newLiveControls(volume float64, device int) *liveControls {
	c := &liveControls{}
	c.SetVolume(volume)
	c.SetOutputDevice(device)
	return c
}

func (c *liveControls) Volume() float64       { return math.Float64frombits(c.volume.Load()) }
func (c *liveControls) OutputDevice() int     { return int(c.device.Load()) }
func (c *liveControls) SetVolume(v float64)   { c.volume.Store(math.Float64bits(v)) }
func (c *liveControls) SetOutputDevice(d int) { c.device.Store(int64(d)) }
