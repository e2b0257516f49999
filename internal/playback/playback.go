// Package playback streams a job's chunks from synthesis to the output
// device while the rest of the utterance is still being synthesized.
//
// A [Stream] runs two goroutines joined by an errgroup. The producer pulls
// chunks from the synthesis sequence, enhances each, and pushes them onto a
// small bounded FIFO; the consumer pops them and plays one at a time.
// Before every chunk the consumer asks the job [Guard] whether the stream's
// token is still current, so a superseded job never gets another chunk onto
// the speaker.
//
//	Idle ──Run──▶ Playing ──synthesis exhausted──▶ Draining ──queue empty──▶ Done
//	                 │                                │
//	                 └──────── cancel / stale ────────┴──▶ Aborted
package playback

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/xivoice/internal/observe"
	"github.com/MrWong99/xivoice/pkg/audio"
)

const (
	// DefaultQueueSize bounds how far synthesis may run ahead of playback.
	DefaultQueueSize = 4

	// DefaultPollInterval is how long the consumer waits on an empty queue
	// before re-checking its token.
	DefaultPollInterval = 100 * time.Millisecond
)

// State is the lifecycle state of a [Stream].
type State int32

const (
	StateIdle State = iota
	StatePlaying
	StateDraining
	StateDone
	StateAborted
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// Guard reports whether a job token still owns the output.
type Guard interface {
	IsCurrent(token string) bool
}

// GuardFunc adapts a function to [Guard].
type GuardFunc func(token string) bool

// IsCurrent implements [Guard].
func (f GuardFunc) IsCurrent(token string) bool { return f(token) }

// Enhancer post-processes one chunk. It must not fail; see enhance.Pipeline.
type Enhancer interface {
	Enhance(ctx context.Context, chunk audio.Chunk) audio.Chunk
}

// Controls supplies output settings. Both are read again before every chunk
// so that changes apply mid-utterance.
type Controls interface {
	Volume() float64
	OutputDevice() int
}

// StaticControls is a fixed [Controls].
type StaticControls struct {
	Vol    float64
	Device int
}

// Volume implements [Controls].
func (s StaticControls) Volume() float64 { return s.Vol }

// OutputDevice implements [Controls].
func (s StaticControls) OutputDevice() int { return s.Device }

// Option is a functional option for [New].
type Option func(*Coordinator)

// WithEnhancer sets the per-chunk post-processing. Without one chunks are
// played as synthesized.
func WithEnhancer(e Enhancer) Option {
	return func(c *Coordinator) { c.enhancer = e }
}

// WithControls sets the volume and device source. Default: full volume on
// the system default device.
func WithControls(ctl Controls) Option {
	return func(c *Coordinator) { c.controls = ctl }
}

// WithQueueSize overrides [DefaultQueueSize]. Values below 1 are ignored.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithPollInterval overrides [DefaultPollInterval]. Values <= 0 are ignored.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithMetrics records chunk outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator holds the playback configuration shared by all streams.
type Coordinator struct {
	player    audio.Player
	enhancer  Enhancer
	controls  Controls
	queueSize int
	poll      time.Duration
	metrics   *observe.Metrics
}

// New returns a Coordinator playing through player.
func New(player audio.Player, opts ...Option) *Coordinator {
	c := &Coordinator{
		player:    player,
		controls:  StaticControls{Vol: 1, Device: audio.DefaultDevice},
		queueSize: DefaultQueueSize,
		poll:      DefaultPollInterval,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Stream is one utterance's trip from synthesis to the speaker. It is
// single-use: call [Stream.Run] once.
type Stream struct {
	c      *Coordinator
	token  string
	guard  Guard
	chunks iter.Seq2[audio.Chunk, error]

	state  atomic.Int32
	played atomic.Int64
}

// NewStream prepares a stream for the job identified by token.
func (c *Coordinator) NewStream(token string, guard Guard, chunks iter.Seq2[audio.Chunk, error]) *Stream {
	return &Stream{c: c, token: token, guard: guard, chunks: chunks}
}

// State returns the current state. Safe to call from any goroutine.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Played returns the number of chunks played to completion so far.
func (s *Stream) Played() int {
	return int(s.played.Load())
}

// advance moves from one non-terminal state to another.
func (s *Stream) advance(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// abort moves any non-terminal state to Aborted.
func (s *Stream) abort() {
	for {
		cur := State(s.state.Load())
		if cur.Terminal() {
			return
		}
		if s.state.CompareAndSwap(int32(cur), int32(StateAborted)) {
			return
		}
	}
}

// errStopped ends the errgroup when the consumer gives up the output.
var errStopped = errors.New("playback: stream stopped")

// item is a queue entry; end marks the end-of-stream sentinel.
type item struct {
	chunk audio.Chunk
	end   bool
}

// Run plays the stream to completion and returns the terminal state. It
// returns [StateAborted] when ctx is cancelled or the token stops being
// current, and [StateDone] once every chunk has been played. Synthesis
// errors end the utterance early but still let queued chunks play.
func (s *Stream) Run(ctx context.Context) State {
	if !s.advance(StateIdle, StatePlaying) {
		return s.State()
	}

	queue := make(chan item, s.c.queueSize)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.produce(gctx, queue) })
	g.Go(func() error { return s.consume(gctx, queue) })

	err := g.Wait()
	if err != nil || ctx.Err() != nil {
		s.abort()
	} else {
		s.advance(StateDraining, StateDone)
	}
	return s.State()
}

func (s *Stream) produce(ctx context.Context, queue chan<- item) error {
	log := observe.Logger(ctx)
	for chunk, err := range s.chunks {
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				log.Error("synthesis failed, ending utterance early", "token", s.token, "err", err)
			}
			break
		}
		if s.c.enhancer != nil {
			chunk = s.c.enhancer.Enhance(ctx, chunk)
		}
		select {
		case queue <- item{chunk: chunk}:
		case <-ctx.Done():
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	s.advance(StatePlaying, StateDraining)
	select {
	case queue <- item{end: true}:
	case <-ctx.Done():
	}
	return nil
}

func (s *Stream) consume(ctx context.Context, queue <-chan item) error {
	log := observe.Logger(ctx)
	timer := time.NewTimer(s.c.poll)
	defer timer.Stop()

	for {
		var it item
		select {
		case it = <-queue:
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			timer.Reset(s.c.poll)
			if !s.guard.IsCurrent(s.token) {
				return errStopped
			}
			continue
		}
		if it.end {
			return nil
		}

		if !s.guard.IsCurrent(s.token) {
			log.Debug("token superseded, dropping chunk", "token", s.token, "seq", it.chunk.Seq)
			s.c.metrics.RecordPlaybackChunk(ctx, "stale")
			return errStopped
		}

		vol := s.c.controls.Volume()
		device := s.c.controls.OutputDevice()
		err := s.c.player.Play(ctx, it.chunk, vol, device)
		switch {
		case err == nil:
			s.played.Add(1)
			s.c.metrics.RecordPlaybackChunk(ctx, "played")
		case ctx.Err() != nil:
			s.c.metrics.RecordPlaybackChunk(ctx, "aborted")
			return ctx.Err()
		default:
			log.Warn("failed to play chunk", "token", s.token, "seq", it.chunk.Seq, "err", err)
			s.c.metrics.RecordPlaybackChunk(ctx, "error")
		}
	}
}
