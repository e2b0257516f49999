package tts_test

import (
	"context"
	"slices"
	"testing"

	"github.com/MrWong99/xivoice/pkg/catalog"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
)

func TestSplitSentences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{"Welcome, adventurer.", []string{"Welcome, adventurer."}},
		{"Hi! How are you? Fine.", []string{"Hi!", "How are you?", "Fine."}},
		{"Pi is 3.14 roughly", []string{"Pi is 3.14 roughly"}},
		{"   ", nil},
		{"Trailing words", []string{"Trailing words"}},
	}
	for _, tt := range tests {
		if got := tts.SplitSentences(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("SplitSentences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTextUnits(t *testing.T) {
	t.Parallel()
	units := tts.TextUnits("Hi. ... Go!")
	if len(units) != 3 {
		t.Fatalf("len(units) = %d, want 3", len(units))
	}
	if units[0].Text != "Hi." || units[0].String() != "hi" {
		t.Errorf("unit 0 = %q / %q, want text %q and symbols %q", units[0].Text, units[0].String(), "Hi.", "hi")
	}
	if !units[1].Empty() {
		t.Errorf("punctuation-only unit should be empty, got %q", units[1].Phonemes)
	}
	if units[2].Len() != 2 {
		t.Errorf("unit 2 length = %d, want 2", units[2].Len())
	}
}

func TestTextUnits_IgnoresSpacesAndPunctuation(t *testing.T) {
	t.Parallel()
	units := tts.TextUnits("Hi there, Bob.")
	if len(units) != 1 {
		t.Fatalf("len(units) = %d, want 1", len(units))
	}
	if got := units[0].Len(); got != 10 {
		t.Errorf("length = %d, want 10 letters", got)
	}
	if units[0].Text != "Hi there, Bob." {
		t.Errorf("text = %q", units[0].Text)
	}
}

func TestTextPhonemizer(t *testing.T) {
	t.Parallel()
	var p tts.Phonemizer = tts.TextPhonemizer{}
	units, err := p.Phonemize(context.Background(), "One. Two.", catalog.Voice{})
	if err != nil {
		t.Fatalf("Phonemize: %v", err)
	}
	if len(units) != 2 || units[1].Text != "Two." {
		t.Errorf("units = %+v", units)
	}
}
