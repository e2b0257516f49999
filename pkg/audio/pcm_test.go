package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/xivoice/pkg/audio"
)

func constant(n int, v int16) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return audio.Bytes(s)
}

func TestFadeOut(t *testing.T) {
	t.Parallel()
	// 1000 Hz, 100 ms fade → last 100 samples ramp to zero.
	pcm := constant(500, 10000)
	out := audio.Int16s(audio.FadeOut(pcm, 1000, 100*time.Millisecond))
	if len(out) != 500 {
		t.Fatalf("len = %d, want 500", len(out))
	}
	if out[399] != 10000 {
		t.Errorf("sample before fade = %d, want 10000", out[399])
	}
	if out[499] != 0 {
		t.Errorf("last sample = %d, want 0", out[499])
	}
	if !(out[450] < out[400] && out[450] > 0) {
		t.Errorf("fade not monotonic: s400=%d s450=%d", out[400], out[450])
	}
	if audio.Int16s(pcm)[499] != 10000 {
		t.Error("FadeOut modified its input")
	}
}

func TestFadeOut_ShorterThanFade(t *testing.T) {
	t.Parallel()
	pcm := constant(50, 1234)
	out := audio.Int16s(audio.FadeOut(pcm, 1000, 100*time.Millisecond))
	for i, s := range out {
		if s != 1234 {
			t.Fatalf("sample %d = %d, want unchanged 1234", i, s)
		}
	}
}

func TestAppendSilenceAndPad(t *testing.T) {
	t.Parallel()
	pcm := constant(10, 5)
	out := audio.AppendSilence(pcm, 1000, 150*time.Millisecond)
	if got := len(out) / 2; got != 160 {
		t.Errorf("AppendSilence samples = %d, want 160", got)
	}
	padded := audio.Pad(pcm, 1000, 100*time.Millisecond)
	s := audio.Int16s(padded)
	if len(s) != 210 {
		t.Fatalf("Pad samples = %d, want 210", len(s))
	}
	if s[0] != 0 || s[100] != 5 || s[109] != 5 || s[110] != 0 {
		t.Errorf("Pad layout wrong: %d %d %d %d", s[0], s[100], s[109], s[110])
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	pcm := constant(10, 1)
	if got := len(audio.Truncate(pcm, 7)); got != 6 {
		t.Errorf("Truncate(7) = %d bytes, want 6", got)
	}
	if got := len(audio.Truncate(pcm, 100)); got != 20 {
		t.Errorf("Truncate(100) = %d bytes, want 20", got)
	}
	if got := len(audio.Truncate(pcm, -1)); got != 0 {
		t.Errorf("Truncate(-1) = %d bytes, want 0", got)
	}
}

func TestApplyGain(t *testing.T) {
	t.Parallel()
	pcm := audio.Bytes([]int16{1000, -1000, 30000})
	got := audio.Int16s(audio.ApplyGain(pcm, 0.5))
	if got[0] != 500 || got[1] != -500 || got[2] != 15000 {
		t.Errorf("ApplyGain(0.5) = %v", got)
	}
	got = audio.Int16s(audio.ApplyGain(pcm, 2))
	if got[2] != 32767 {
		t.Errorf("ApplyGain(2) should clip, got %d", got[2])
	}
	got = audio.Int16s(audio.ApplyGain(pcm, 0))
	for i, s := range got {
		if s != 0 {
			t.Errorf("ApplyGain(0) sample %d = %d", i, s)
		}
	}
}

func TestChunkDuration(t *testing.T) {
	t.Parallel()
	c := audio.Chunk{PCM: constant(22050, 0), SampleRate: 22050}
	if c.Duration() != time.Second {
		t.Errorf("Duration = %v, want 1s", c.Duration())
	}
	if (audio.Chunk{PCM: constant(10, 0)}).Duration() != 0 {
		t.Error("zero sample rate should yield zero duration")
	}
}

func TestFloatRoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 16384, -16384, 32767, -32768}
	out := audio.Int16s(audio.FromFloat64s(audio.Float64s(audio.Bytes(in))))
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}
}
