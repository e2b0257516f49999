package audio

import "time"

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// Chunk is one synthesized sentence unit of 16-bit little-endian mono PCM.
// Chunks are the atomic unit flowing from synthesis through enhancement to
// playback; a chunk is never split or merged downstream.
type Chunk struct {
	// Seq is the 0-based position of the chunk within its utterance. Seq
	// values are strictly increasing within one synthesis run.
	Seq int

	// PCM is little-endian int16 sample data.
	PCM []byte

	// SampleRate in Hz (e.g. 22050 for most piper models).
	SampleRate int

	// Path is the scratch file backing this chunk, empty when the chunk only
	// exists in memory.
	Path string
}

// Samples returns the number of samples in the chunk.
func (c Chunk) Samples() int {
	return len(c.PCM) / BytesPerSample
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Samples()) * time.Second / time.Duration(c.SampleRate)
}

// WithPCM returns a copy of c carrying pcm instead of its current data.
func (c Chunk) WithPCM(pcm []byte) Chunk {
	c.PCM = pcm
	return c
}
