// Package portaudio implements [audio.Player] on top of the PortAudio C
// library (github.com/gordonklaus/portaudio).
//
// A stream is opened per chunk at the chunk's sample rate (or at the
// configured output rate, converting on the fly) and written in fixed-size
// buffers so that cancellation is observed within one buffer period.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/xivoice/pkg/audio"
)

var _ audio.Player = (*Player)(nil)

// DefaultFramesPerBuffer is the PortAudio buffer size in frames.
const DefaultFramesPerBuffer = 1024

// Option is a functional option for [New].
type Option func(*Player)

// WithOutputSampleRate forces every stream to open at rate Hz; chunks at a
// different rate are resampled. Zero keeps each chunk's own rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Player) { p.rates.Rate = rate }
}

// WithFramesPerBuffer overrides [DefaultFramesPerBuffer].
func WithFramesPerBuffer(n int) Option {
	return func(p *Player) {
		if n > 0 {
			p.framesPerBuffer = n
		}
	}
}

// Player plays chunks on a PortAudio output device.
type Player struct {
	mu              sync.Mutex
	rates           audio.RateAdapter
	framesPerBuffer int
	closed          bool
}

// New initialises PortAudio and returns a ready Player. Close must be called
// to release the library.
func New(opts ...Option) (*Player, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	p := &Player{framesPerBuffer: DefaultFramesPerBuffer}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Device describes an output device for listings.
type Device struct {
	Index             int
	Name              string
	MaxOutputChannels int
	DefaultSampleRate float64
}

// Devices lists every device with at least one output channel. Index is the
// value accepted by [Player.Play].
func Devices() ([]Device, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	var out []Device
	for i, d := range devs {
		if d.MaxOutputChannels < 1 {
			continue
		}
		out = append(out, Device{
			Index:             i,
			Name:              d.Name,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}

func outputDevice(index int) (*pa.DeviceInfo, error) {
	if index < 0 {
		return pa.DefaultOutputDevice()
	}
	devs, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	if index >= len(devs) {
		return nil, fmt.Errorf("device index %d out of range (%d devices)", index, len(devs))
	}
	if devs[index].MaxOutputChannels < 1 {
		return nil, fmt.Errorf("device %d (%s) has no output channels", index, devs[index].Name)
	}
	return devs[index], nil
}

// Play implements [audio.Player]. It blocks until the chunk has been written
// or ctx is cancelled.
func (p *Player) Play(ctx context.Context, chunk audio.Chunk, volume float64, device int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("portaudio: player closed")
	}
	if len(chunk.PCM) == 0 {
		return nil
	}

	dev, err := outputDevice(device)
	if err != nil {
		return fmt.Errorf("portaudio: select device: %w", err)
	}

	pcm, rate := p.rates.Adapt(chunk.WithPCM(audio.ApplyGain(chunk.PCM, volume)))
	samples := audio.Int16s(pcm)

	params := pa.HighLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = p.framesPerBuffer

	buf := make([]int16, p.framesPerBuffer)
	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		return fmt.Errorf("portaudio: open stream on %q: %w", dev.Name, err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	defer func() {
		if err := stream.Stop(); err != nil {
			slog.Debug("portaudio: stop stream", "err", err)
		}
	}()

	for pos := 0; pos < len(samples); pos += len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buf, samples[pos:])
		clear(buf[n:])
		if err := stream.Write(); err != nil {
			if errors.Is(err, pa.OutputUnderflowed) {
				continue
			}
			return fmt.Errorf("portaudio: write: %w", err)
		}
	}
	return nil
}

// Close terminates PortAudio. It is safe to call more than once.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}
