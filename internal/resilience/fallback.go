package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/xivoice/pkg/catalog"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
)

// ErrAllFailed wraps the last backend error once every backend in a
// [BackendFallback] has failed or been skipped.
var ErrAllFailed = errors.New("all backends failed")

// FallbackConfig applies to every backend of a [BackendFallback].
type FallbackConfig struct {
	// CircuitBreaker is copied per backend, with Name set to the backend's.
	CircuitBreaker CircuitBreakerConfig

	// OnAttempt is called after each call that reached a backend. Backends
	// skipped by an open breaker are not reported.
	OnAttempt func(name string, err error)
}

type member struct {
	name    string
	backend tts.Backend
	breaker *CircuitBreaker
}

// BackendFallback is a [tts.Backend] that tries its backends in order and
// returns the first answer. Phonemize and Synthesize fail over separately, so
// all backends should serve the same voice models.
//
// Register every backend before first use; after that it is safe for
// concurrent use.
type BackendFallback struct {
	cfg     FallbackConfig
	members []member
}

var _ tts.Backend = (*BackendFallback)(nil)

// NewBackendFallback returns a chain whose preferred backend is primary.
func NewBackendFallback(primary tts.Backend, name string, cfg FallbackConfig) *BackendFallback {
	f := &BackendFallback{cfg: cfg}
	f.AddFallback(name, primary)
	return f
}

// AddFallback appends a backend tried after all earlier ones.
func (f *BackendFallback) AddFallback(name string, b tts.Backend) {
	bc := f.cfg.CircuitBreaker
	bc.Name = name
	f.members = append(f.members, member{name: name, backend: b, breaker: NewCircuitBreaker(bc)})
}

// Names lists the backends in the order they are tried.
func (f *BackendFallback) Names() []string {
	out := make([]string, 0, len(f.members))
	for _, m := range f.members {
		out = append(out, m.name)
	}
	return out
}

// Breaker returns the named backend's breaker, or nil.
func (f *BackendFallback) Breaker(name string) *CircuitBreaker {
	for _, m := range f.members {
		if m.name == name {
			return m.breaker
		}
	}
	return nil
}

// Phonemize implements [tts.Backend].
func (f *BackendFallback) Phonemize(ctx context.Context, text string, voice catalog.Voice) ([]tts.Unit, error) {
	return first(f, "phonemize", func(b tts.Backend) ([]tts.Unit, error) {
		return b.Phonemize(ctx, text, voice)
	})
}

// Synthesize implements [tts.Backend].
func (f *BackendFallback) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	return first(f, "synthesize", func(b tts.Backend) (tts.Audio, error) {
		return b.Synthesize(ctx, req)
	})
}

// first walks the chain until call succeeds. A cancellation ends the walk
// and is returned unwrapped.
func first[R any](f *BackendFallback, op string, call func(tts.Backend) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range f.members {
		var (
			out     R
			reached bool
		)
		err := m.breaker.Execute(func() error {
			reached = true
			var err error
			out, err = call(m.backend)
			return err
		})
		if reached && f.cfg.OnAttempt != nil {
			f.cfg.OnAttempt(m.name, err)
		}
		switch {
		case err == nil:
			return out, nil
		case IsCancellation(err):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("backend skipped, circuit open", "backend", m.name, "op", op)
		default:
			slog.Warn("backend failed, trying next", "backend", m.name, "op", op, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("resilience: %s: %w: %w", op, ErrAllFailed, lastErr)
}
