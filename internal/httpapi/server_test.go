package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/xivoice/internal/health"
	"github.com/MrWong99/xivoice/internal/httpapi"
	"github.com/MrWong99/xivoice/internal/observe"
	"github.com/MrWong99/xivoice/internal/protocol"
	"github.com/MrWong99/xivoice/internal/voice"
	"github.com/MrWong99/xivoice/pkg/catalog"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []protocol.Message
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, msg protocol.Message) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *recordingDispatcher) messages() []protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Message(nil), d.msgs...)
}

type staticStatus map[string]any

func (s staticStatus) Status() map[string]any { return s }

var momodi = catalog.Voice{Name: "Momodi", Model: "special", Language: catalog.LangEnglish, Speaker: 7, Gender: catalog.GenderFemale}

func testCatalog() *catalog.Catalog {
	return catalog.New(
		catalog.Pool{catalog.LangEnglish: {
			{Name: "A", Model: "m", Language: catalog.LangEnglish, Speaker: 0, Gender: catalog.GenderFemale},
			{Name: "B", Model: "m", Language: catalog.LangEnglish, Speaker: 1, Gender: catalog.GenderMale},
		}},
		[]catalog.NPC{{ID: 1001, Name: "Momodi Modi", Gender: catalog.GenderFemale}},
		[]catalog.Character{{Key: "momodi", Voices: map[catalog.Language]catalog.Voice{catalog.LangEnglish: momodi}}},
		nil,
	)
}

func newServer(t *testing.T, d *recordingDispatcher) *httptest.Server {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	cat := testCatalog()
	srv := httpapi.New(httpapi.Deps{
		Dispatcher: d,
		Resolver:   voice.New(cat),
		Catalog:    cat,
		Health: health.New(health.Checker{Name: "transport", Check: func(context.Context) error {
			return errors.New("not connected")
		}}),
		Status:  staticStatus{"enabled": true},
		Metrics: m,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func decode(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestMessages_AcceptsFrames(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	ts := newServer(t, d)

	res := post(t, ts.URL+"/v1/messages", `{"Type":"Say","Payload":"Hi.","Speaker":"Momodi Modi","NpcId":1001}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", res.StatusCode)
	}
	res = post(t, ts.URL+"/v1/cancel", ``)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", res.StatusCode)
	}

	msgs := d.messages()
	if len(msgs) != 2 {
		t.Fatalf("dispatched %d messages, want 2", len(msgs))
	}
	if say, ok := msgs[0].(protocol.Say); !ok || say.NPCID != "1001" || say.Text != "Hi." {
		t.Errorf("first = %+v", msgs[0])
	}
	if _, ok := msgs[1].(protocol.Cancel); !ok {
		t.Errorf("second = %T, want Cancel", msgs[1])
	}
}

func TestMessages_RejectsInvalidFrames(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	ts := newServer(t, d)

	tests := []struct {
		body string
		code string
	}{
		{`{"Type":"Say","Payload":"x"}`, "missing_speaker"},
		{`{"Type":"Yell","Speaker":"a"}`, "unknown_type"},
		{`nope`, "invalid_request"},
	}
	for _, tt := range tests {
		res := post(t, ts.URL+"/v1/messages", tt.body)
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.body, res.StatusCode)
		}
		if got := decode(t, res)["code"]; got != tt.code {
			t.Errorf("%s: code = %v, want %s", tt.body, got, tt.code)
		}
	}
	if n := len(d.messages()); n != 0 {
		t.Errorf("dispatched %d messages, want 0", n)
	}
}

func TestSay_FriendlyForm(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{}
	ts := newServer(t, d)

	res := post(t, ts.URL+"/v1/say", `{"text":"Bonjour.","speaker":"male","language":"French"}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", res.StatusCode)
	}
	msgs := d.messages()
	if len(msgs) != 1 {
		t.Fatalf("dispatched %d messages, want 1", len(msgs))
	}
	want := protocol.Say{Text: "Bonjour.", Speaker: "male", Language: catalog.LangFrench}
	if msgs[0] != want {
		t.Errorf("dispatched %+v, want %+v", msgs[0], want)
	}

	if res := post(t, ts.URL+"/v1/say", `{"text":"x"}`); res.StatusCode != http.StatusBadRequest {
		t.Errorf("missing speaker status = %d, want 400", res.StatusCode)
	}
}

func TestSay_DroppedByDispatcher(t *testing.T) {
	t.Parallel()
	d := &recordingDispatcher{err: errors.New("speech disabled")}
	ts := newServer(t, d)

	res := post(t, ts.URL+"/v1/say", `{"text":"x","speaker":"a"}`)
	if res.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", res.StatusCode)
	}
	if got := decode(t, res)["error"]; got != "speech disabled" {
		t.Errorf("error = %v", got)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	ts := newServer(t, &recordingDispatcher{})

	res := get(t, ts.URL+"/v1/resolve?npc_id=1001&speaker=Whoever")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	body := decode(t, res)
	if body["step"] != voice.StepNPCCharacter.String() {
		t.Errorf("step = %v", body["step"])
	}
	if v, _ := body["voice"].(map[string]any); v["name"] != "Momodi" {
		t.Errorf("voice = %v", body["voice"])
	}
	if body["language"] != "en" {
		t.Errorf("language = %v, want en", body["language"])
	}

	res = get(t, ts.URL+"/v1/resolve?speaker=x&language=de")
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("empty pool status = %d, want 404", res.StatusCode)
	}
}

func TestVoices(t *testing.T) {
	t.Parallel()
	ts := newServer(t, &recordingDispatcher{})

	body := decode(t, get(t, ts.URL+"/v1/voices"))
	pools, _ := body["voices"].(map[string]any)
	if en, _ := pools["en"].([]any); len(en) != 2 {
		t.Errorf("voices[en] = %v", pools["en"])
	}

	body = decode(t, get(t, ts.URL+"/v1/voices/English"))
	if body["language"] != "en" {
		t.Errorf("language = %v", body["language"])
	}
	if vs, _ := body["voices"].([]any); len(vs) != 2 {
		t.Errorf("voices = %v", body["voices"])
	}
}

func TestHealthAndStatusRoutes(t *testing.T) {
	t.Parallel()
	ts := newServer(t, &recordingDispatcher{})

	if res := get(t, ts.URL+"/healthz"); res.StatusCode != http.StatusOK {
		t.Errorf("/healthz = %d", res.StatusCode)
	}
	if res := get(t, ts.URL+"/readyz"); res.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", res.StatusCode)
	}
	if res := get(t, ts.URL+"/metrics"); res.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d", res.StatusCode)
	}
	if body := decode(t, get(t, ts.URL+"/v1/status")); body["enabled"] != true {
		t.Errorf("/v1/status = %v", body)
	}
}
