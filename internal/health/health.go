// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 as long as the process serves HTTP. GET /readyz
// runs every [Checker] and answers 200 only when all of them pass, 503
// otherwise. Both bodies are a JSON [Report].
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// CheckTimeout bounds a single check.
const CheckTimeout = 5 * time.Second

// Status values used in a [Report].
const (
	StatusOK   = "ok"
	StatusFail = "fail"
)

// Checker probes one dependency. Check returns nil when it is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// CheckResult is the outcome of one [Checker].
type CheckResult struct {
	Status  string  `json:"status"`
	Error   string  `json:"error,omitempty"`
	Elapsed float64 `json:"elapsed_ms"`
}

// Report is the probe response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Ready reports whether every check passed.
func (r Report) Ready() bool { return r.Status == StatusOK }

// Handler evaluates a fixed set of checkers.
type Handler struct {
	checkers []Checker
}

// New returns a handler for checkers. The slice is copied.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Evaluate runs all checks concurrently, each under [CheckTimeout].
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, CheckTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: StatusOK, Elapsed: float64(time.Since(start).Microseconds()) / 1000}
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(results))}
	for i, c := range h.checkers {
		if results[i].Status != StatusOK {
			rep.Status = StatusFail
		}
		rep.Checks[c.Name] = results[i]
	}
	return rep
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if !rep.Ready() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register mounts both probes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

// Connected fails while connected returns false.
func Connected(name string, connected func() bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if connected() {
			return nil
		}
		return errors.New("not connected")
	}}
}

// NonEmpty fails while count returns zero.
func NonEmpty(name, what string, count func() int) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if count() > 0 {
			return nil
		}
		return fmt.Errorf("no %s loaded", what)
	}}
}

// AnyAvailable fails when none of a non-empty set is available, such as
// backends that all have an open breaker.
func AnyAvailable(name string, available func() (n, total int)) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if n, total := available(); total > 0 && n == 0 {
			return fmt.Errorf("0 of %d available", total)
		}
		return nil
	}}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
