package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/xivoice/internal/config"
	"github.com/MrWong99/xivoice/internal/observe"
	"github.com/MrWong99/xivoice/internal/resilience"
	"github.com/MrWong99/xivoice/pkg/catalog"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
)

// instrumented records every backend call on the metrics instruments.
type instrumented struct {
	tts.Backend
	name    string
	metrics *observe.Metrics
}

func (b instrumented) Phonemize(ctx context.Context, text string, v catalog.Voice) ([]tts.Unit, error) {
	units, err := b.Backend.Phonemize(ctx, text, v)
	b.metrics.RecordBackendCall(ctx, b.name, "phonemize", err)
	return units, err
}

func (b instrumented) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	out, err := b.Backend.Synthesize(ctx, req)
	b.metrics.RecordBackendCall(ctx, b.name, "synthesize", err)
	return out, err
}

// modelOverride pins every request to one model regardless of the voice.
type modelOverride struct {
	tts.Backend
	model string
}

func (b modelOverride) Phonemize(ctx context.Context, text string, v catalog.Voice) ([]tts.Unit, error) {
	v.Model = b.model
	return b.Backend.Phonemize(ctx, text, v)
}

func (b modelOverride) Synthesize(ctx context.Context, req tts.Request) (tts.Audio, error) {
	req.Voice.Model = b.model
	return b.Backend.Synthesize(ctx, req)
}

// entryName is the label a backend entry gets in breakers, logs and metrics.
func entryName(e config.BackendEntry) string {
	if e.BaseURL == "" {
		return e.Name
	}
	return e.Name + "@" + e.BaseURL
}

// buildBackends creates the primary and fallback backends from the registry
// and wraps them in a breaker-guarded fallback chain.
func (a *App) buildBackends() error {
	ttsCfg := a.cfg.TTS
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  ttsCfg.CircuitBreaker.MaxFailures,
			ResetTimeout: ttsCfg.CircuitBreaker.ResetTimeout,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("backend breaker changed state", "backend", name, "from", from.String(), "to", to.String())
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
		OnAttempt: a.recordAttempt,
	}

	if a.backend != nil {
		a.fallback = resilience.NewBackendFallback(instrumented{Backend: a.backend, name: "primary", metrics: a.metrics}, "primary", fbCfg)
		return nil
	}
	if a.registry == nil {
		return fmt.Errorf("no backend registry")
	}

	entries := append([]config.BackendEntry{ttsCfg.Backend}, ttsCfg.Fallbacks...)
	for i, e := range entries {
		b, err := a.registry.CreateBackend(e)
		if err != nil {
			return err
		}
		if e.Model != "" {
			b = modelOverride{Backend: b, model: e.Model}
		}
		name := entryName(e)
		b = instrumented{Backend: b, name: name, metrics: a.metrics}
		if i == 0 {
			a.fallback = resilience.NewBackendFallback(b, name, fbCfg)
		} else {
			a.fallback.AddFallback(name, b)
		}
		slog.Info("tts backend ready", "backend", name, "fallback", i > 0)
	}
	return nil
}

// recordAttempt keeps the latest outcome per backend for the status report.
func (a *App) recordAttempt(name string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		delete(a.lastErr, name)
		return
	}
	a.lastErr[name] = err.Error()
}

// backendAvailability counts backends whose breaker is not open.
func (a *App) backendAvailability() (n, total int) {
	for _, name := range a.fallback.Names() {
		total++
		if a.fallback.Breaker(name).State() != resilience.StateOpen {
			n++
		}
	}
	return n, total
}
