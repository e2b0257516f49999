// Package audio defines the PCM chunk type that flows through the voice
// pipeline, the helpers that shape it (fades, padding, gain, resampling, WAV
// encoding), and the [Player] contract implemented by output devices.
//
// Implementations of [Player] live in sub-packages (audio/portaudio for a
// real sound card, audio/mock for tests). The package lives under pkg/ because
// third-party output adapters are expected to implement [Player].
package audio

import "context"

// Player plays chunks on an output device.
//
// Play blocks until the chunk has been handed to the device in full or ctx is
// cancelled, whichever comes first. Cancellation must abort mid-chunk; the
// caller treats a ctx error as a normal stop, not a failure.
//
// volume is a linear gain in [0, 1] applied to this chunk only. device selects
// an output by index; a negative index selects the system default.
//
// Implementations must be safe for concurrent use, although the pipeline
// only ever plays one chunk at a time.
type Player interface {
	Play(ctx context.Context, chunk Chunk, volume float64, device int) error

	// Close releases the device. Calling Close more than once is a no-op.
	Close() error
}

// DefaultDevice selects the system default output device.
const DefaultDevice = -1
