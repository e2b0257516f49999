package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/xivoice/internal/app"
	"github.com/MrWong99/xivoice/internal/config"
	"github.com/MrWong99/xivoice/internal/observe"
	"github.com/MrWong99/xivoice/internal/playback"
	"github.com/MrWong99/xivoice/internal/protocol"
	"github.com/MrWong99/xivoice/pkg/audio"
	audiomock "github.com/MrWong99/xivoice/pkg/audio/mock"
	"github.com/MrWong99/xivoice/pkg/catalog"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
	ttsmock "github.com/MrWong99/xivoice/pkg/provider/tts/mock"
)

var (
	enFemale = catalog.Voice{Name: "amy", Model: "amy", Language: catalog.LangEnglish, Gender: catalog.GenderFemale}
	enMale   = catalog.Voice{Name: "ryan", Model: "ryan", Language: catalog.LangEnglish, Gender: catalog.GenderMale}
	deMale   = catalog.Voice{Name: "thorsten", Model: "thorsten", Language: catalog.LangGerman, Gender: catalog.GenderMale}
	momodi   = catalog.Voice{Name: "momodi", Model: "lalafell", Language: catalog.LangEnglish, Speaker: 7, Gender: catalog.GenderFemale}
)

func testCatalog() *catalog.Catalog {
	return catalog.New(
		catalog.Pool{
			catalog.LangEnglish: {enFemale, enMale},
			catalog.LangGerman:  {deMale},
		},
		[]catalog.NPC{{ID: 1001, Name: "Momodi Modi", Gender: catalog.GenderFemale}},
		[]catalog.Character{{Key: "momodi", Voices: map[catalog.Language]catalog.Voice{catalog.LangEnglish: momodi}}},
		catalog.GenderDictionary{"thancred": catalog.GenderMale},
	)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		TTS:     config.TTSConfig{Backend: config.BackendEntry{Name: "mock"}},
		Catalog: config.CatalogConfig{ResourcesDir: t.TempDir()},
		Job:     config.JobConfig{ScratchRoot: t.TempDir()},
	}
	config.ApplyDefaults(cfg)
	cfg.Playback.PollInterval = 5 * time.Millisecond
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	app     *app.App
	backend *ttsmock.Backend
	player  *audiomock.Player
}

func newFixture(t *testing.T, cfg *config.Config, opts ...app.Option) fixture {
	t.Helper()
	f := fixture{backend: &ttsmock.Backend{}, player: &audiomock.Player{}}
	opts = append([]app.Option{
		app.WithCatalog(testCatalog()),
		app.WithBackend(f.backend),
		app.WithPlayer(f.player),
		app.WithMetrics(testMetrics(t)),
		app.WithoutTransport(),
		app.WithoutHTTP(),
	}, opts...)
	a, err := app.New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	f.app = a
	return f
}

func TestSpeak_CharacterVoiceEndToEnd(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t))
	h, err := f.app.Speak(protocol.Say{Text: "Welcome to the Quicksand. Mind your coin.", Speaker: "Momodi Modi", Language: catalog.LangAuto})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	state, err := h.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if state != playback.StateDone {
		t.Fatalf("state = %v, want done", state)
	}

	reqs := f.backend.Requests()
	if len(reqs) == 0 {
		t.Fatal("no synthesis requests")
	}
	for _, r := range reqs {
		if r.Voice != momodi {
			t.Errorf("request voice = %v, want %v", r.Voice, momodi)
		}
	}

	calls := f.player.Calls()
	if len(calls) == 0 {
		t.Fatal("nothing played")
	}
	for _, c := range calls {
		if c.Volume != config.DefaultVolume || c.Device != audio.DefaultDevice {
			t.Errorf("played with volume %v device %d", c.Volume, c.Device)
		}
	}
}

func TestSpeak_AutoUsesConfiguredLanguage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Language = catalog.LangGerman
	f := newFixture(t, cfg)

	h, err := f.app.Speak(protocol.Say{Text: "Hallo.", Speaker: "Wache", Language: catalog.LangAuto})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if _, err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	reqs := f.backend.Requests()
	if len(reqs) == 0 || reqs[0].Voice != deMale {
		t.Fatalf("requests = %+v, want german voice", reqs)
	}
}

func TestDispatch_DisabledDropsSay(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	off := false
	cfg.Enabled = &off
	f := newFixture(t, cfg)

	err := f.app.Dispatch(context.Background(), protocol.Say{Text: "Hi.", Speaker: "Momodi Modi"})
	if !errors.Is(err, app.ErrDisabled) {
		t.Fatalf("Dispatch err = %v, want ErrDisabled", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(f.backend.Requests()); n != 0 {
		t.Errorf("%d synthesis requests while disabled", n)
	}
}

func TestDispatch_CancelStopsCurrentJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t))
	f.backend.SynthesizeDelay = 5 * time.Second

	h, err := f.app.Speak(protocol.Say{Text: "This will take a while.", Speaker: "Thancred"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if err := f.app.Dispatch(context.Background(), protocol.Cancel{}); err != nil {
		t.Fatalf("Dispatch(Cancel): %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job still running after Cancel")
	}
	if n := len(f.player.Calls()); n != 0 {
		t.Errorf("played %d chunks after cancel", n)
	}
}

func TestDispatch_NewSaySupersedesPrevious(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t))
	f.backend.SynthesizeDelay = 5 * time.Second

	first, err := f.app.Speak(protocol.Say{Text: "First line.", Speaker: "Thancred"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	second, err := f.app.Speak(protocol.Say{Text: "Second line.", Speaker: "Momodi Modi"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	select {
	case <-first.Done():
	default:
		t.Fatal("first job still running after a new Say")
	}
	if first.Token() == second.Token() {
		t.Error("superseding job reused the token")
	}
}

func TestApplyConfig_HotReload(t *testing.T) {
	t.Parallel()

	old := testConfig(t)
	f := newFixture(t, old)

	next := *old
	off := false
	vol := 0.25
	dev := 3
	next.Enabled = &off
	next.Language = catalog.LangFrench
	next.Audio.Volume = &vol
	next.Audio.OutputDeviceIndex = &dev
	next.Server.ListenAddr = "127.0.0.1:9999"

	f.app.ApplyConfig(old, &next)

	st := f.app.Status()
	if st["enabled"] != false {
		t.Errorf("enabled = %v, want false", st["enabled"])
	}
	if st["language"] != "fr" {
		t.Errorf("language = %v, want fr", st["language"])
	}
	if st["volume"] != 0.25 {
		t.Errorf("volume = %v, want 0.25", st["volume"])
	}
	if st["output_device"] != 3 {
		t.Errorf("output_device = %v, want 3", st["output_device"])
	}
	if err := f.app.Dispatch(context.Background(), protocol.Say{Text: "Hi.", Speaker: "X"}); !errors.Is(err, app.ErrDisabled) {
		t.Errorf("Dispatch after disabling = %v, want ErrDisabled", err)
	}
}

func TestApplyConfig_VolumeReachesPlayer(t *testing.T) {
	t.Parallel()

	old := testConfig(t)
	f := newFixture(t, old)

	next := *old
	vol := 0.5
	next.Audio.Volume = &vol
	f.app.ApplyConfig(old, &next)

	h, err := f.app.Speak(protocol.Say{Text: "Quiet now.", Speaker: "Momodi Modi"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if _, err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	for _, c := range f.player.Calls() {
		if c.Volume != 0.5 {
			t.Errorf("volume = %v, want 0.5", c.Volume)
		}
	}
}

func TestNew_RegistryFallsBackToSecondBackend(t *testing.T) {
	t.Parallel()

	broken := &ttsmock.Backend{SynthesizeErr: errors.New("engine offline")}
	healthy := &ttsmock.Backend{}

	reg := config.NewRegistry()
	reg.RegisterBackend("broken", func(config.BackendEntry) (tts.Backend, error) { return broken, nil })
	reg.RegisterBackend("healthy", func(config.BackendEntry) (tts.Backend, error) { return healthy, nil })

	cfg := testConfig(t)
	cfg.TTS.Backend = config.BackendEntry{Name: "broken", BaseURL: "localhost:10200"}
	cfg.TTS.Fallbacks = []config.BackendEntry{{Name: "healthy", Model: "pinned"}}

	player := &audiomock.Player{}
	a, err := app.New(context.Background(), cfg,
		app.WithCatalog(testCatalog()),
		app.WithRegistry(reg),
		app.WithPlayer(player),
		app.WithMetrics(testMetrics(t)),
		app.WithoutTransport(),
		app.WithoutHTTP(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	h, err := a.Speak(protocol.Say{Text: "Still talking.", Speaker: "Momodi Modi"})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if state, err := h.Wait(); err != nil || state != playback.StateDone {
		t.Fatalf("Wait = %v, %v", state, err)
	}
	if len(player.Calls()) == 0 {
		t.Fatal("nothing played")
	}
	reqs := healthy.Requests()
	if len(reqs) == 0 || reqs[0].Voice.Model != "pinned" {
		t.Fatalf("fallback requests = %+v, want pinned model", reqs)
	}

	backends, ok := a.Status()["backends"].([]map[string]any)
	if !ok || len(backends) != 2 {
		t.Fatalf("status backends = %v", a.Status()["backends"])
	}
	if backends[0]["name"] != "broken@localhost:10200" {
		t.Errorf("primary name = %v", backends[0]["name"])
	}
	if e, _ := backends[0]["last_error"].(string); !strings.Contains(e, "engine offline") {
		t.Errorf("primary last_error = %q", e)
	}
	if _, ok := backends[1]["last_error"]; ok {
		t.Error("healthy backend reports an error")
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	_, err := app.New(context.Background(), cfg,
		app.WithCatalog(testCatalog()),
		app.WithRegistry(config.NewRegistry()),
		app.WithPlayer(&audiomock.Player{}),
		app.WithoutTransport(),
		app.WithoutHTTP(),
	)
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("err = %v, want ErrBackendNotRegistered", err)
	}
}

func TestRouter_SayPlaysAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t))
	srv := httptest.NewServer(f.app.Router())
	defer srv.Close()

	body := `{"text":"Kupo!","speaker":"Momodi Modi","language":"English"}`
	resp, err := http.Post(srv.URL+"/v1/say", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.player.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("nothing played")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRouter_Readyz(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t))
	srv := httptest.NewServer(f.app.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d, want 200", resp.StatusCode)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, testConfig(t))
	ctx := context.Background()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if n := f.player.CloseCount(); n != 0 {
		t.Errorf("injected player closed %d times", n)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want string
	}{
		{config.LogDebug, "DEBUG"},
		{config.LogInfo, "INFO"},
		{config.LogWarn, "WARN"},
		{config.LogError, "ERROR"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := app.SlogLevel(tt.in).String(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
