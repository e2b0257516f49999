// Package mock provides an in-memory recording implementation of
// [audio.Player] for use in unit tests.
//
// The mock is safe for concurrent use. It records every chunk it is asked to
// play so that tests can assert on order, volume and device, and it exposes
// exported fields that the test can set to control behaviour.
//
// Typical usage:
//
//	p := &mock.Player{PlayDuration: 20 * time.Millisecond}
//	_ = p.Play(ctx, chunk, 1.0, audio.DefaultDevice)
//	got := p.Played()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/xivoice/pkg/audio"
)

var _ audio.Player = (*Player)(nil)

// PlayCall records a single completed or aborted [Player.Play] invocation.
type PlayCall struct {
	Chunk   audio.Chunk
	Volume  float64
	Device  int
	Aborted bool
}

// Player is a mock implementation of [audio.Player].
// Set the exported fields before use; inspect recorded calls after.
type Player struct {
	mu sync.Mutex

	// PlayDuration simulates device latency per chunk. Play blocks for this
	// long unless ctx is cancelled first, in which case the call is recorded
	// as aborted and ctx.Err() is returned.
	PlayDuration time.Duration

	// PlayErr is returned by every Play call that is not aborted.
	PlayErr error

	// OnPlay, if set, is called synchronously at the start of each Play.
	OnPlay func(audio.Chunk)

	// CloseErr is returned by Close.
	CloseErr error

	calls       []PlayCall
	closeCalled int
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, chunk audio.Chunk, volume float64, device int) error {
	p.mu.Lock()
	d, playErr, onPlay := p.PlayDuration, p.PlayErr, p.OnPlay
	p.mu.Unlock()

	if onPlay != nil {
		onPlay(chunk)
	}

	call := PlayCall{Chunk: chunk, Volume: volume, Device: device}
	var err error
	if d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			call.Aborted = true
			err = ctx.Err()
		}
	} else if ctx.Err() != nil {
		call.Aborted = true
		err = ctx.Err()
	}
	if err == nil {
		err = playErr
	}

	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	return err
}

// Close implements [audio.Player].
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalled++
	return p.CloseErr
}

// Calls returns a copy of every recorded Play call, in order.
func (p *Player) Calls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// Played returns the chunks whose playback completed without abort, in order.
func (p *Player) Played() []audio.Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []audio.Chunk
	for _, c := range p.calls {
		if !c.Aborted {
			out = append(out, c.Chunk)
		}
	}
	return out
}

// CloseCount reports how many times Close was called.
func (p *Player) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalled
}

// Reset clears all recorded calls.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
	p.closeCalled = 0
}
