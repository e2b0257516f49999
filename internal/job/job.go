// Package job owns the "one utterance at a time" rule.
//
// Every [Controller.Submit] first cancels whatever job is running, waits for
// it to stop and for its scratch directory to be removed, then mints a new
// token and starts the next job. The token is the job's identity: playback
// checks [Controller.IsCurrent] before each chunk, so a superseded job can
// never put audio on the speaker after its successor was submitted.
package job

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/xivoice/internal/observe"
	"github.com/MrWong99/xivoice/internal/playback"
	"github.com/MrWong99/xivoice/internal/voice"
	"github.com/MrWong99/xivoice/pkg/audio"
	"github.com/MrWong99/xivoice/pkg/catalog"
)

// Request is one utterance to speak.
type Request struct {
	Text string
	Hint voice.Hint
}

// Resolver picks the voice for a speaker. Implemented by *voice.Resolver.
type Resolver interface {
	Resolve(h voice.Hint) (catalog.Voice, voice.Step, error)
}

// Synthesizer produces the chunk sequence. Implemented by *synth.Stage.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, v catalog.Voice, scratchDir string) iter.Seq2[audio.Chunk, error]
}

// Streamer starts playback streams. Implemented by *playback.Coordinator.
type Streamer interface {
	NewStream(token string, guard playback.Guard, chunks iter.Seq2[audio.Chunk, error]) *playback.Stream
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithScratchRoot sets the parent directory for per-job scratch
// directories. Default: the OS temp directory.
func WithScratchRoot(dir string) Option {
	return func(c *Controller) { c.scratchRoot = dir }
}

// WithMetrics records job outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller runs at most one job at a time. It is safe for concurrent use.
type Controller struct {
	resolver    Resolver
	synth       Synthesizer
	streamer    Streamer
	scratchRoot string
	metrics     *observe.Metrics

	// mu serializes Submit and Cancel so that supersession is atomic.
	mu      sync.Mutex
	active  *Handle
	current atomic.Pointer[string]
}

var _ playback.Guard = (*Controller)(nil)

// New returns a Controller wiring resolution, synthesis, and playback.
func New(resolver Resolver, synth Synthesizer, streamer Streamer, opts ...Option) *Controller {
	c := &Controller{resolver: resolver, synth: synth, streamer: streamer}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Submit supersedes the running job (if any) and starts req. ctx bounds the
// new job's lifetime; the job also ends when superseded or cancelled.
//
// Submit returns once the previous job has fully stopped and the new one
// has been started. Resolution failures are reported by [Handle.Wait], not
// by Submit.
func (c *Controller) Submit(ctx context.Context, req Request) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked(observe.JobSuperseded)

	token := uuid.NewString()
	c.current.Store(&token)

	dir, err := os.MkdirTemp(c.scratchRoot, "xivoice-job-*")
	if err != nil {
		c.current.Store(nil)
		return nil, fmt.Errorf("job: create scratch dir: %w", err)
	}

	jctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		token:   token,
		dir:     dir,
		cancel:  cancel,
		done:    make(chan struct{}),
		outcome: observe.JobCompleted,
	}
	c.active = h
	go c.run(jctx, h, req)
	return h, nil
}

// Cancel stops the running job and waits for it. Without a running job it
// is a no-op.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(observe.JobCancelled)
}

// stopLocked cancels and joins the active job. Must be called with c.mu
// held.
func (c *Controller) stopLocked(outcome string) {
	h := c.active
	if h == nil {
		return
	}
	c.active = nil
	h.label(outcome)
	c.current.Store(nil)
	h.cancel()
	<-h.done
}

// IsCurrent reports whether token belongs to the most recently submitted,
// not cancelled job.
func (c *Controller) IsCurrent(token string) bool {
	cur := c.current.Load()
	return cur != nil && *cur == token
}

// Current returns the running job, or nil.
func (c *Controller) Current() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.finished() {
		return nil
	}
	return c.active
}

func (c *Controller) run(ctx context.Context, h *Handle, req Request) {
	ctx, span := observe.StartJob(ctx, h.token,
		attribute.String("job.npc_id", req.Hint.NPCID),
		attribute.String("job.speaker", req.Hint.DisplayName),
	)
	log := observe.Logger(ctx)

	c.metrics.JobStarted(ctx)
	defer func() {
		if err := os.RemoveAll(h.dir); err != nil {
			log.Warn("failed to remove scratch dir", "dir", h.dir, "err", err)
		}
		c.metrics.RecordJob(ctx, h.Outcome())
		span.End()
		close(h.done)
	}()

	v, step, err := c.resolver.Resolve(req.Hint)
	if err != nil {
		h.fail(err)
		if errors.Is(err, voice.ErrNotFound) {
			h.setOutcome(observe.JobNotFound)
		} else {
			h.setOutcome(observe.JobFailed)
		}
		log.Warn("no voice for speaker, dropping utterance",
			"npc_id", req.Hint.NPCID,
			"speaker", req.Hint.DisplayName,
			"language", string(req.Hint.Language),
			"err", err)
		return
	}
	c.metrics.RecordResolution(ctx, step.String())
	span.SetAttributes(attribute.String("job.voice", v.String()), attribute.String("job.step", step.String()))
	log.Info("speaking",
		"speaker", req.Hint.DisplayName,
		"voice", v.String(),
		"step", step.String())

	stream := c.streamer.NewStream(h.token, c, c.synth.Synthesize(ctx, req.Text, v, h.dir))
	h.stream.Store(stream)
	if state := stream.Run(ctx); state == playback.StateAborted && h.Outcome() == observe.JobCompleted {
		// Aborted without Submit or Cancel: the parent context ended.
		h.setOutcome(observe.JobCancelled)
	}
	log.Debug("job finished", "state", stream.State().String(), "chunks", stream.Played())
}

// Handle is the caller's view of one job.
type Handle struct {
	token  string
	dir    string
	cancel context.CancelFunc
	done   chan struct{}
	stream atomic.Pointer[playback.Stream]

	mu      sync.Mutex
	err     error
	outcome string
}

// Token returns the job's unique token.
func (h *Handle) Token() string { return h.token }

// ScratchDir returns the job's scratch directory. It no longer exists once
// the job is done.
func (h *Handle) ScratchDir() string { return h.dir }

// Done is closed when the job has fully stopped and its scratch directory
// has been removed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the playback state. A job that failed before playback
// started reports [playback.StateAborted]; one that has not started yet
// reports [playback.StateIdle].
func (h *Handle) State() playback.State {
	if s := h.stream.Load(); s != nil {
		return s.State()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return playback.StateAborted
	}
	return playback.StateIdle
}

// Outcome returns the job's metric label (observe.JobCompleted and
// friends). It is final once Done is closed.
func (h *Handle) Outcome() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Wait blocks until the job is done and returns its final playback state
// together with the error that prevented playback, if any (for example
// [voice.ErrNotFound]).
func (h *Handle) Wait() (playback.State, error) {
	<-h.done
	h.mu.Lock()
	err := h.err
	h.mu.Unlock()
	return h.State(), err
}

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// label records why the job is being stopped unless it already finished or
// failed on its own.
func (h *Handle) label(outcome string) {
	h.mu.Lock()
	if h.outcome == observe.JobCompleted && !h.finished() {
		h.outcome = outcome
	}
	h.mu.Unlock()
}

func (h *Handle) fail(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

func (h *Handle) setOutcome(outcome string) {
	h.mu.Lock()
	h.outcome = outcome
	h.mu.Unlock()
}
