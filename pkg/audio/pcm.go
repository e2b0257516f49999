package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// SamplesFor returns the number of samples that span d at rate.
func SamplesFor(rate int, d time.Duration) int {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int(int64(rate) * int64(d) / int64(time.Second))
}

// Int16s decodes little-endian int16 PCM. A trailing odd byte is ignored.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Bytes encodes int16 samples as little-endian PCM.
func Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Float64s decodes PCM into samples normalized to [-1, 1).
func Float64s(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// FromFloat64s encodes normalized samples as PCM, clipping to the int16 range.
func FromFloat64s(samples []float64) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clip16(s*32768)))
	}
	return out
}

func clip16(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Truncate returns the first n bytes of pcm, rounded down to a whole sample.
func Truncate(pcm []byte, n int) []byte {
	if n < 0 {
		n = 0
	}
	if n > len(pcm) {
		n = len(pcm)
	}
	n -= n % BytesPerSample
	return pcm[:n]
}

// FadeOut returns a copy of pcm whose last d ramps linearly from full scale
// to silence. When pcm is shorter than the fade it is returned unchanged.
func FadeOut(pcm []byte, rate int, d time.Duration) []byte {
	n := SamplesFor(rate, d)
	total := len(pcm) / BytesPerSample
	out := make([]byte, total*BytesPerSample)
	copy(out, pcm)
	if n <= 0 || total < n {
		return out
	}
	start := total - n
	for i := 0; i < n; i++ {
		idx := (start + i) * 2
		s := float64(int16(binary.LittleEndian.Uint16(out[idx:])))
		gain := 1 - float64(i+1)/float64(n)
		binary.LittleEndian.PutUint16(out[idx:], uint16(clip16(s*gain)))
	}
	return out
}

// Silence returns d worth of zero samples at rate.
func Silence(rate int, d time.Duration) []byte {
	return make([]byte, SamplesFor(rate, d)*BytesPerSample)
}

// AppendSilence returns pcm followed by d of silence.
func AppendSilence(pcm []byte, rate int, d time.Duration) []byte {
	out := make([]byte, 0, len(pcm)+SamplesFor(rate, d)*BytesPerSample)
	out = append(out, pcm...)
	return append(out, Silence(rate, d)...)
}

// Pad returns pcm with d of silence before and after it.
func Pad(pcm []byte, rate int, d time.Duration) []byte {
	pad := Silence(rate, d)
	out := make([]byte, 0, len(pcm)+2*len(pad))
	out = append(out, pad...)
	out = append(out, pcm...)
	return append(out, pad...)
}

// ApplyGain returns a copy of pcm scaled by the linear factor gain, clipped to
// the int16 range. A gain of exactly 1 still copies.
func ApplyGain(pcm []byte, gain float64) []byte {
	total := len(pcm) / BytesPerSample
	out := make([]byte, total*BytesPerSample)
	if gain == 1 {
		copy(out, pcm)
		return out
	}
	for i := 0; i < total; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(clip16(s*gain)))
	}
	return out
}
