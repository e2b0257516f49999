package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Downmix averages interleaved frames of the given channel count into mono.
// Mono input and a trailing partial frame are returned as whole samples only.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return Truncate(pcm, len(pcm))
	}
	width := channels * BytesPerSample
	frames := len(pcm) / width
	out := make([]byte, frames*BytesPerSample)
	for f := range frames {
		frame := pcm[f*width:]
		var sum int32
		for c := range channels {
			sum += int32(int16(binary.LittleEndian.Uint16(frame[c*BytesPerSample:])))
		}
		binary.LittleEndian.PutUint16(out[f*BytesPerSample:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// Resample converts mono PCM from one sample rate to another by linear
// interpolation. Equal or non-positive rates return pcm unchanged.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	src := Int16s(pcm)
	if len(src) == 0 {
		return nil
	}
	n := int(int64(len(src)) * int64(to) / int64(from))
	dst := make([]int16, n)
	step := float64(from) / float64(to)
	last := len(src) - 1
	for i := range dst {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			dst[i] = src[last]
			continue
		}
		frac := pos - float64(j)
		dst[i] = int16(float64(src[j]) + (float64(src[j+1])-float64(src[j]))*frac)
	}
	return Bytes(dst)
}

// RateAdapter brings chunks to a fixed output rate. The first chunk that
// needs resampling is logged once per adapter. A zero Rate passes every chunk
// through at its own rate.
type RateAdapter struct {
	Rate int

	warned sync.Once
}

// Adapt returns the chunk's PCM at the output rate and that rate.
func (a *RateAdapter) Adapt(c Chunk) ([]byte, int) {
	if a.Rate <= 0 || c.SampleRate == a.Rate {
		return c.PCM, c.SampleRate
	}
	a.warned.Do(func() {
		slog.Warn("audio: resampling to output rate", "from", c.SampleRate, "to", a.Rate)
	})
	return Resample(c.PCM, c.SampleRate, a.Rate), a.Rate
}
