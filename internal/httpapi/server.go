// Package httpapi serves the local control plane: health probes, Prometheus
// metrics, and endpoints to speak, cancel and inspect voice resolution
// without going through the game plugin.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/xivoice/internal/health"
	"github.com/MrWong99/xivoice/internal/observe"
	"github.com/MrWong99/xivoice/internal/protocol"
	"github.com/MrWong99/xivoice/internal/voice"
	"github.com/MrWong99/xivoice/pkg/catalog"
)

// maxBody bounds request bodies.
const maxBody = 64 << 10

// Dispatcher accepts decoded messages, exactly like frames from the plugin.
// It returns an error when the message is dropped (e.g. speech disabled).
type Dispatcher interface {
	Dispatch(ctx context.Context, msg protocol.Message) error
}

// Resolver previews voice resolution.
type Resolver interface {
	Resolve(h voice.Hint) (catalog.Voice, voice.Step, error)
}

// Catalog lists the voice pools. *catalog.Catalog satisfies it.
type Catalog interface {
	Languages() []catalog.Language
	Voices(lang catalog.Language) []catalog.Voice
}

// Status reports runtime state for GET /v1/status.
type Status interface {
	Status() map[string]any
}

// Deps groups what the server needs. Status may be nil.
type Deps struct {
	Dispatcher Dispatcher
	Resolver   Resolver
	Catalog    Catalog
	Health     *health.Handler
	Status     Status

	// DefaultLanguage replaces "auto" in resolve previews.
	DefaultLanguage func() catalog.Language

	Metrics *observe.Metrics
}

// Server is the HTTP control plane.
type Server struct {
	deps Deps
}

// New returns a Server. Metrics defaults to [observe.DefaultMetrics].
func New(deps Deps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Health == nil {
		deps.Health = health.New()
	}
	if deps.DefaultLanguage == nil {
		deps.DefaultLanguage = func() catalog.Language { return catalog.LangEnglish }
	}
	return &Server{deps: deps}
}

// Router builds the chi router with the observe middleware installed.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.deps.Metrics))

	s.deps.Health.Register(r)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.handleMessage)
		r.Post("/say", s.handleSay)
		r.Post("/cancel", s.handleCancel)
		r.Get("/resolve", s.handleResolve)
		r.Get("/voices", s.handleVoices)
		r.Get("/voices/{language}", s.handleVoices)
		r.Get("/status", s.handleStatus)
	})
	return r
}

// handleMessage accepts a raw plugin frame.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	msg, err := protocol.Parse(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, codeFor(err), err.Error())
		return
	}
	s.dispatch(w, r, msg)
}

type sayRequest struct {
	Text     string `json:"text"`
	Speaker  string `json:"speaker"`
	NPCID    string `json:"npc_id"`
	Language string `json:"language"`
}

// handleSay is a friendlier form of a Say frame.
func (s *Server) handleSay(w http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Speaker) == "" {
		respondError(w, http.StatusBadRequest, codeFor(protocol.ErrMissingSpeaker), protocol.ErrMissingSpeaker.Error())
		return
	}
	s.dispatch(w, r, protocol.Say{
		Text:     req.Text,
		Speaker:  strings.TrimSpace(req.Speaker),
		NPCID:    strings.TrimSpace(req.NPCID),
		Language: protocol.ParseLanguage(req.Language),
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, protocol.Cancel{})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, msg protocol.Message) {
	// The job outlives the request.
	ctx := context.WithoutCancel(r.Context())
	if err := s.deps.Dispatcher.Dispatch(ctx, msg); err != nil {
		respondError(w, http.StatusConflict, "dropped", err.Error())
		return
	}
	s.deps.Metrics.RecordMessage(r.Context(), string(msg.Type()), "accepted")
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "type": string(msg.Type())})
}

type resolveResponse struct {
	Voice    catalog.Voice    `json:"voice"`
	Step     string           `json:"step"`
	Language catalog.Language `json:"language"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lang := protocol.ResolveLanguage(protocol.ParseLanguage(q.Get("language")), s.deps.DefaultLanguage())
	hint := voice.Hint{
		NPCID:       strings.TrimSpace(q.Get("npc_id")),
		DisplayName: strings.TrimSpace(q.Get("speaker")),
		Language:    lang,
	}
	v, step, err := s.deps.Resolver.Resolve(hint)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, voice.ErrNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, "not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, resolveResponse{Voice: v, Step: step.String(), Language: lang})
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if l := chi.URLParam(r, "language"); l != "" {
		lang := protocol.ParseLanguage(l)
		respondJSON(w, http.StatusOK, map[string]any{
			"language": lang,
			"voices":   s.deps.Catalog.Voices(lang),
		})
		return
	}
	out := make(map[catalog.Language][]catalog.Voice)
	for _, l := range s.deps.Catalog.Languages() {
		out[l] = s.deps.Catalog.Voices(l)
	}
	respondJSON(w, http.StatusOK, map[string]any{"voices": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Status == nil {
		respondJSON(w, http.StatusOK, map[string]any{})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Status.Status())
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMissingSpeaker):
		return "missing_speaker"
	case errors.Is(err, protocol.ErrUnknownType):
		return "unknown_type"
	default:
		return "invalid_request"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	return dec.Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
