package synth_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/xivoice/internal/synth"
	"github.com/MrWong99/xivoice/pkg/audio"
	"github.com/MrWong99/xivoice/pkg/catalog"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
	ttsmock "github.com/MrWong99/xivoice/pkg/provider/tts/mock"
)

var voice = catalog.Voice{Model: "lessac", Language: catalog.LangEnglish, Speaker: 0, Gender: catalog.GenderFemale}

// unit builds a unit whose text is its symbols joined.
func unit(symbols ...string) tts.Unit {
	if len(symbols) == 0 {
		return tts.Unit{}
	}
	return tts.Unit{Text: strings.Join(symbols, ""), Phonemes: symbols}
}

func collect(t *testing.T, s *synth.Stage, ctx context.Context, text, dir string) ([]audio.Chunk, error) {
	t.Helper()
	var chunks []audio.Chunk
	for c, err := range s.Synthesize(ctx, text, voice, dir) {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func TestSynthesize_SkipsEmptyUnits(t *testing.T) {
	t.Parallel()

	backend := &ttsmock.Backend{Units: []tts.Unit{unit("h", "i"), unit(), unit("o")}}
	dir := t.TempDir()

	chunks, err := collect(t, synth.New(backend), context.Background(), "Hi. ... Oh.", dir)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != i {
			t.Errorf("chunk %d: Seq = %d", i, c.Seq)
		}
		want := filepath.Join(dir, "piper"+string(rune('0'+i))+".wav")
		if c.Path != want {
			t.Errorf("chunk %d: Path = %q, want %q", i, c.Path, want)
		}
		if _, err := os.Stat(c.Path); err != nil {
			t.Errorf("chunk %d: scratch file: %v", i, err)
		}
	}
	if n := len(backend.Requests()); n != 2 {
		t.Errorf("backend synthesized %d units, want 2", n)
	}
}

func TestSynthesize_RepeatsShortUnitAndTruncates(t *testing.T) {
	t.Parallel()

	backend := &ttsmock.Backend{Units: []tts.Unit{unit("a", "b")}}
	s := synth.New(backend, synth.WithModelConfig(map[string]synth.ModelConfig{
		"lessac_en": {MinPhonemeCount: 10, FixNoiseScale: 0.3},
	}))

	chunks, err := collect(t, s, context.Background(), "ab", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}

	reqs := backend.Requests()
	if len(reqs) != 1 {
		t.Fatalf("got %d requests, want 1", len(reqs))
	}
	// ceil(10/2) = 5 repetitions of "ab;, ".
	if got, want := reqs[0].Unit.Text, "ab;, ab;, ab;, ab;, ab;, "; got != want {
		t.Errorf("request text = %q, want %q", got, want)
	}
	if reqs[0].NoiseScale != 0.3 {
		t.Errorf("NoiseScale = %v, want 0.3", reqs[0].NoiseScale)
	}
	if reqs[0].SentenceSilence != synth.DefaultSentenceSilence {
		t.Errorf("SentenceSilence = %v, want %v", reqs[0].SentenceSilence, synth.DefaultSentenceSilence)
	}

	// 25 symbols * 10 samples, cut to one fifth, plus trailing silence.
	wantSamples := 50 + audio.SamplesFor(ttsmock.DefaultSampleRate, synth.TrailingSilence)
	if got := chunks[0].Samples(); got != wantSamples {
		t.Errorf("samples = %d, want %d", got, wantSamples)
	}
}

func TestSynthesize_LongUnitIsNotRepeated(t *testing.T) {
	t.Parallel()

	backend := &ttsmock.Backend{Units: []tts.Unit{unit("a", "b", "c")}}
	s := synth.New(backend, synth.WithModelConfig(map[string]synth.ModelConfig{
		"lessac_en": {MinPhonemeCount: 3, FixNoiseScale: 0.3},
	}))

	if _, err := collect(t, s, context.Background(), "abc", ""); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	req := backend.Requests()[0]
	if req.Unit.Text != "abc" || req.NoiseScale != 0 {
		t.Errorf("request = %q noise %v, want unmodified", req.Unit.Text, req.NoiseScale)
	}
}

func TestSynthesize_RepetitionCountsPhonemes(t *testing.T) {
	t.Parallel()

	// Three characters of text but four phonemes.
	backend := &ttsmock.Backend{Units: []tts.Unit{{Text: "Oh!", Phonemes: []string{"ˈ", "o", "ʊ", "!"}}}}
	s := synth.New(backend, synth.WithModelConfig(map[string]synth.ModelConfig{
		"lessac_en": {MinPhonemeCount: 8},
	}))

	chunks, err := collect(t, s, context.Background(), "Oh!", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	req := backend.Requests()[0]
	if got, want := req.Unit.Text, "Oh!;, Oh!;, "; got != want {
		t.Errorf("request text = %q, want %q (two repetitions)", got, want)
	}
	if got := req.Unit.Len(); got != 14 {
		t.Errorf("request phonemes = %d, want 14", got)
	}
	// 14 phonemes * 10 samples, cut to one half.
	wantSamples := 70 + audio.SamplesFor(ttsmock.DefaultSampleRate, synth.TrailingSilence)
	if got := chunks[0].Samples(); got != wantSamples {
		t.Errorf("samples = %d, want %d", got, wantSamples)
	}
}

func TestSynthesize_FadeAndSilence(t *testing.T) {
	t.Parallel()

	backend := &ttsmock.Backend{
		Units:            []tts.Unit{unit("a")},
		SamplesPerSymbol: 10000,
		Amplitude:        1000,
	}

	chunks, err := collect(t, synth.New(backend), context.Background(), "a", "")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	samples := audio.Int16s(chunks[0].PCM)
	tail := audio.SamplesFor(ttsmock.DefaultSampleRate, synth.TrailingSilence)
	if len(samples) != 10000+tail {
		t.Fatalf("samples = %d, want %d", len(samples), 10000+tail)
	}
	if samples[0] != 1000 {
		t.Errorf("first sample = %d, want 1000 (untouched by fade)", samples[0])
	}
	if samples[9999] != 0 {
		t.Errorf("last voiced sample = %d, want 0 after fade", samples[9999])
	}
	mid := 10000 - audio.SamplesFor(ttsmock.DefaultSampleRate, synth.FadeOut)/2
	if s := samples[mid]; s <= 0 || s >= 1000 {
		t.Errorf("mid-fade sample = %d, want strictly between 0 and 1000", s)
	}
	for i, s := range samples[10000:] {
		if s != 0 {
			t.Fatalf("trailing sample %d = %d, want silence", i, s)
		}
	}
}

func TestSynthesize_IsLazyAndRepeatable(t *testing.T) {
	t.Parallel()

	backend := &ttsmock.Backend{}
	s := synth.New(backend)
	seq := s.Synthesize(context.Background(), "One. Two.", voice, "")

	if len(backend.PhonemizeCalls) != 0 {
		t.Fatal("Synthesize did work before being ranged over")
	}
	for range 2 {
		n := 0
		for _, err := range seq {
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			n++
		}
		if n != 2 {
			t.Fatalf("got %d chunks, want 2", n)
		}
	}
	if len(backend.PhonemizeCalls) != 2 {
		t.Errorf("Phonemize called %d times, want 2", len(backend.PhonemizeCalls))
	}
}

func TestSynthesize_StopsWhenConsumerBreaks(t *testing.T) {
	t.Parallel()

	backend := &ttsmock.Backend{}
	for range synth.New(backend).Synthesize(context.Background(), "One. Two. Three.", voice, "") {
		break
	}
	if n := len(backend.Requests()); n != 1 {
		t.Errorf("backend synthesized %d units, want 1", n)
	}
}

func TestSynthesize_Cancelled(t *testing.T) {
	t.Parallel()

	backend := &ttsmock.Backend{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := collect(t, synth.New(backend), ctx, "Hello.", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(backend.PhonemizeCalls) != 0 || len(backend.Requests()) != 0 {
		t.Error("backend was called after cancellation")
	}
}

func TestSynthesize_CancelledBetweenUnits(t *testing.T) {
	t.Parallel()

	backend := &ttsmock.Backend{}
	ctx, cancel := context.WithCancel(context.Background())

	var got int
	var lastErr error
	for _, err := range synth.New(backend).Synthesize(ctx, "One. Two. Three.", voice, "") {
		if err != nil {
			lastErr = err
			break
		}
		got++
		cancel()
	}
	if got != 1 {
		t.Errorf("got %d chunks, want 1", got)
	}
	if !errors.Is(lastErr, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", lastErr)
	}
}

func TestSynthesize_BackendErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name    string
		backend *ttsmock.Backend
	}{
		{"phonemize", &ttsmock.Backend{PhonemizeErr: boom}},
		{"synthesize", &ttsmock.Backend{SynthesizeErr: boom}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chunks, err := collect(t, synth.New(tt.backend), context.Background(), "Hello. World.", "")
			if !errors.Is(err, boom) {
				t.Fatalf("err = %v, want boom", err)
			}
			if len(chunks) != 0 {
				t.Errorf("got %d chunks before error, want 0", len(chunks))
			}
		})
	}
}

func TestSynthesize_ScratchWriteFailure(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "gone")
	_, err := collect(t, synth.New(&ttsmock.Backend{}), context.Background(), "Hello.", missing)
	if err == nil {
		t.Fatal("expected error writing to a missing scratch dir")
	}
}
