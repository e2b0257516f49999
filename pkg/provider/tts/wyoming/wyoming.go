// Package wyoming implements tts.Backend against a Piper server speaking the
// Wyoming protocol (e.g. the rhasspy/wyoming-piper container on TCP port
// 10200).
//
// Wire format (per event):
//
//	{"type": "...", "data": {...}, "data_length": N, "payload_length": M}\n
//	<N bytes of extra JSON data>   (if data_length > 0)
//	<M bytes of payload>           (if payload_length > 0)
//
// A connection is opened per synthesis request: synthesize →
// audio-start → audio-chunk* → audio-stop.
package wyoming

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/xivoice/pkg/audio"
	"github.com/MrWong99/xivoice/pkg/catalog"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
)

var _ tts.Backend = (*Backend)(nil)

const (
	defaultDialTimeout    = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second
	defaultSampleRate     = 22050
)

// Option is a functional option for configuring the Backend.
type Option func(*Backend)

// WithLanguageEndpoint routes voices of lang to a dedicated server.
func WithLanguageEndpoint(lang catalog.Language, addr string) Option {
	return func(b *Backend) {
		b.endpoints[lang] = cleanEndpoint(addr)
	}
}

// WithDialTimeout sets the TCP connect timeout. Default: 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.dialTimeout = d
	}
}

// WithRequestTimeout bounds one synthesis round trip when ctx carries no
// deadline. Default: 30s.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Backend) {
		b.requestTimeout = d
	}
}

// WithPhonemizer sets how text is split into phoneme units. The protocol
// has no phonemizer event; the default is [tts.TextPhonemizer].
func WithPhonemizer(p tts.Phonemizer) Option {
	return func(b *Backend) {
		b.phonemizer = p
	}
}

// Backend implements tts.Backend using the Wyoming protocol.
type Backend struct {
	phonemizer     tts.Phonemizer
	endpoint       string
	endpoints      map[catalog.Language]string
	dialTimeout    time.Duration
	requestTimeout time.Duration

	warnNoiseScale sync.Once
}

// New creates a Backend for the server at addr ("host:port", optionally
// prefixed with tcp://).
func New(addr string, opts ...Option) (*Backend, error) {
	b := &Backend{
		endpoint:       cleanEndpoint(addr),
		endpoints:      make(map[catalog.Language]string),
		dialTimeout:    defaultDialTimeout,
		requestTimeout: defaultRequestTimeout,
		phonemizer:     tts.TextPhonemizer{},
	}
	for _, o := range opts {
		o(b)
	}
	if b.endpoint == "" && len(b.endpoints) == 0 {
		return nil, errors.New("wyoming: no endpoint configured")
	}
	return b, nil
}

func cleanEndpoint(ep string) string {
	ep = strings.TrimSpace(ep)
	ep = strings.TrimPrefix(ep, "tcp://")
	return strings.TrimSuffix(ep, "/")
}

// Phonemize implements tts.Backend through the configured phonemizer.
func (b *Backend) Phonemize(ctx context.Context, text string, voice catalog.Voice) ([]tts.Unit, error) {
	units, err := b.phonemizer.Phonemize(ctx, text, voice)
	if err != nil {
		return nil, fmt.Errorf("wyoming: phonemize: %w", err)
	}
	return units, nil
}

// Synthesize implements tts.Backend.
func (b *Backend) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	text := req.Unit.Text
	if strings.TrimSpace(text) == "" {
		return tts.Audio{}, errors.New("wyoming: empty text for synthesis")
	}

	endpoint := b.endpoints[req.Voice.Language]
	if endpoint == "" {
		endpoint = b.endpoint
	}
	if endpoint == "" {
		return tts.Audio{}, fmt.Errorf("wyoming: no endpoint for language %q", req.Voice.Language)
	}
	if req.NoiseScale > 0 {
		b.warnNoiseScale.Do(func() {
			slog.Warn("wyoming: per-request noise scale is not supported by the protocol, ignoring",
				"noise_scale", req.NoiseScale)
		})
	}

	slog.Debug("wyoming synthesize", "text_length", len(text), "voice", req.Voice.String(), "endpoint", endpoint)

	dialer := net.Dialer{Timeout: b.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("wyoming: connect %s: %w", endpoint, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(b.requestTimeout))
	}

	// Unblock reads when ctx is cancelled mid-request.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	voice := map[string]any{
		"name":    req.Voice.Model,
		"speaker": strconv.Itoa(req.Voice.Speaker),
	}
	if req.Voice.Language != "" {
		voice["language"] = string(req.Voice.Language)
	}
	if err := WriteEvent(conn, Event{
		Type: "synthesize",
		Data: map[string]any{"text": text, "voice": voice},
	}); err != nil {
		return tts.Audio{}, fmt.Errorf("wyoming: send synthesize: %w", err)
	}

	var (
		pcm      bytes.Buffer
		rate     = defaultSampleRate
		channels = 1
		width    = audio.BytesPerSample
	)
	r := bufio.NewReader(conn)
	for {
		evt, err := ReadEvent(r)
		if err != nil {
			if ctx.Err() != nil {
				return tts.Audio{}, ctx.Err()
			}
			return tts.Audio{}, fmt.Errorf("wyoming: read event: %w", err)
		}

		switch evt.Type {
		case "audio-start":
			rate = intField(evt.Data, "rate", rate)
			channels = intField(evt.Data, "channels", channels)
			width = intField(evt.Data, "width", width)

		case "audio-chunk":
			pcm.Write(evt.Payload)

		case "audio-stop":
			if width != audio.BytesPerSample {
				return tts.Audio{}, fmt.Errorf("wyoming: unsupported sample width %d", width)
			}
			return tts.Audio{PCM: audio.Downmix(pcm.Bytes(), channels), SampleRate: rate}, nil

		case "error":
			msg := "unknown error"
			if s, ok := evt.Data["text"].(string); ok {
				msg = s
			}
			return tts.Audio{}, fmt.Errorf("wyoming: server error: %s", msg)

		default:
			slog.Debug("wyoming: ignoring event", "type", evt.Type)
		}
	}
}

func intField(data map[string]any, key string, def int) int {
	if v, ok := data[key].(float64); ok {
		return int(v)
	}
	return def
}

// ─── Protocol codec ───────────────────────────────────────────────────────────

// Event is one Wyoming protocol message.
type Event struct {
	Type    string
	Data    map[string]any
	Payload []byte
}

type header struct {
	Type          string         `json:"type"`
	Data          map[string]any `json:"data,omitempty"`
	DataLength    int            `json:"data_length,omitempty"`
	PayloadLength int            `json:"payload_length,omitempty"`
}

// WriteEvent encodes evt with its data inline in the header line.
func WriteEvent(w io.Writer, evt Event) error {
	line, err := json.Marshal(header{
		Type:          evt.Type,
		Data:          evt.Data,
		PayloadLength: len(evt.Payload),
	})
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.Write(line); err != nil {
		return err
	}
	if len(evt.Payload) > 0 {
		if _, err := w.Write(evt.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadEvent decodes one event. Separate data blocks (data_length > 0) are
// merged over inline data.
func ReadEvent(r *bufio.Reader) (Event, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return Event{}, fmt.Errorf("read header: %w", err)
	}
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return Event{}, fmt.Errorf("decode header: %w", err)
	}
	evt := Event{Type: h.Type, Data: h.Data}
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}
	if h.DataLength > 0 {
		buf := make([]byte, h.DataLength)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Event{}, fmt.Errorf("read data: %w", err)
		}
		var extra map[string]any
		if err := json.Unmarshal(buf, &extra); err != nil {
			return Event{}, fmt.Errorf("decode data: %w", err)
		}
		maps.Copy(evt.Data, extra)
	}
	if h.PayloadLength > 0 {
		evt.Payload = make([]byte, h.PayloadLength)
		if _, err := io.ReadFull(r, evt.Payload); err != nil {
			return Event{}, fmt.Errorf("read payload: %w", err)
		}
	}
	return evt, nil
}
