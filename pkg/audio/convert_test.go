package audio_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/xivoice/pkg/audio"
)

func TestDownmix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{"mono passthrough", []int16{1, -2, 3}, 1, []int16{1, -2, 3}},
		{"stereo", []int16{100, 300, -100, -300}, 2, []int16{200, -200}},
		{"stereo extremes", []int16{32767, 32767, -32768, -32768}, 2, []int16{32767, -32768}},
		{"stereo opposite", []int16{32767, -32768}, 2, []int16{0}},
		{"five channel", []int16{10, 20, 30, 40, 50}, 5, []int16{30}},
		{"partial frame dropped", []int16{10, 30, 99}, 2, []int16{20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Int16s(audio.Downmix(audio.Bytes(tt.in), tt.channels))
			if !slices.Equal(got, tt.want) {
				t.Errorf("Downmix = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDownmix_OddByte(t *testing.T) {
	t.Parallel()
	pcm := append(audio.Bytes([]int16{7, 8}), 0xff)
	if got := audio.Downmix(pcm, 1); len(got) != 4 {
		t.Errorf("len = %d, want trailing byte dropped", len(got))
	}
}

func TestResample(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		in       []int16
		from, to int
		want     []int16
	}{
		{"same rate", []int16{1, 2, 3}, 22050, 22050, []int16{1, 2, 3}},
		{"zero source rate", []int16{1, 2}, 0, 48000, []int16{1, 2}},
		{"zero target rate", []int16{1, 2}, 16000, 0, []int16{1, 2}},
		{"double", []int16{0, 100, 200}, 8000, 16000, []int16{0, 50, 100, 150, 200, 200}},
		{"halve", []int16{0, 10, 20, 30}, 16000, 8000, []int16{0, 20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := audio.Int16s(audio.Resample(audio.Bytes(tt.in), tt.from, tt.to))
			if !slices.Equal(got, tt.want) {
				t.Errorf("Resample = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResample_Length(t *testing.T) {
	t.Parallel()
	in := make([]int16, 22050)
	got := audio.Resample(audio.Bytes(in), 22050, 48000)
	if n := len(got) / audio.BytesPerSample; n != 48000 {
		t.Errorf("one second resampled to %d samples, want 48000", n)
	}
	if out := audio.Resample(nil, 22050, 48000); len(out) != 0 {
		t.Errorf("empty input produced %d bytes", len(out))
	}
}

func TestRateAdapter(t *testing.T) {
	t.Parallel()
	chunk := audio.Chunk{PCM: audio.Bytes([]int16{0, 100, 200, 300}), SampleRate: 16000}

	var passthrough audio.RateAdapter
	pcm, rate := passthrough.Adapt(chunk)
	if rate != 16000 || &pcm[0] != &chunk.PCM[0] {
		t.Errorf("zero adapter changed the chunk: rate %d", rate)
	}

	same := audio.RateAdapter{Rate: 16000}
	if _, rate := same.Adapt(chunk); rate != 16000 {
		t.Errorf("matching rate = %d", rate)
	}

	up := audio.RateAdapter{Rate: 48000}
	pcm, rate = up.Adapt(chunk)
	if rate != 48000 {
		t.Errorf("rate = %d, want 48000", rate)
	}
	if n := len(pcm) / audio.BytesPerSample; n != 12 {
		t.Errorf("samples = %d, want 12", n)
	}
}
