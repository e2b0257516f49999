// Package espeak phonemizes text with the espeak-ng command line tool, the
// phonemizer piper voices are trained with.
//
// Each sentence is passed to espeak-ng once with --ipa. The IPA output is
// NFD-normalized and split into one symbol per code point, stress marks and
// word gaps included, so a unit's length matches what piper feeds its model.
package espeak

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/MrWong99/xivoice/pkg/catalog"
	"github.com/MrWong99/xivoice/pkg/provider/tts"
)

var _ tts.Phonemizer = (*Phonemizer)(nil)

var defaultVoices = map[catalog.Language]string{
	catalog.LangEnglish:  "en-us",
	catalog.LangGerman:   "de",
	catalog.LangFrench:   "fr-fr",
	catalog.LangJapanese: "ja",
}

// DefaultVoice maps the voice's language to an espeak-ng voice name.
// Unknown languages fall back to "en-us".
func DefaultVoice(v catalog.Voice) string {
	if name, ok := defaultVoices[v.Language]; ok {
		return name
	}
	return defaultVoices[catalog.LangEnglish]
}

// Option is a functional option for [New].
type Option func(*Phonemizer)

// WithBinary sets the espeak-ng executable. Default: "espeak-ng" from PATH.
func WithBinary(path string) Option {
	return func(p *Phonemizer) {
		if path != "" {
			p.binary = path
		}
	}
}

// WithDataDir points espeak-ng at a custom espeak-ng-data directory, the
// same directory piper takes as --espeak_data.
func WithDataDir(dir string) Option {
	return func(p *Phonemizer) {
		p.dataDir = dir
	}
}

// WithVoices replaces [DefaultVoice] for choosing the espeak-ng voice.
func WithVoices(fn func(catalog.Voice) string) Option {
	return func(p *Phonemizer) {
		if fn != nil {
			p.voice = fn
		}
	}
}

// Phonemizer implements tts.Phonemizer by running espeak-ng.
type Phonemizer struct {
	binary  string
	dataDir string
	voice   func(catalog.Voice) string
}

// New returns a Phonemizer.
func New(opts ...Option) *Phonemizer {
	p := &Phonemizer{binary: "espeak-ng", voice: DefaultVoice}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Phonemize implements tts.Phonemizer. Sentences without letters or digits
// are returned as empty units without running espeak-ng.
func (p *Phonemizer) Phonemize(ctx context.Context, text string, voice catalog.Voice) ([]tts.Unit, error) {
	sentences := tts.SplitSentences(text)
	out := make([]tts.Unit, 0, len(sentences))
	name := p.voice(voice)
	for _, s := range sentences {
		u := tts.Unit{Text: s}
		if strings.ContainsFunc(s, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
			ipa, err := p.run(ctx, s, name)
			if err != nil {
				return nil, err
			}
			u.Phonemes = Symbols(ipa)
		}
		out = append(out, u)
	}
	return out, nil
}

func (p *Phonemizer) run(ctx context.Context, text, voice string) (string, error) {
	args := []string{"-q", "--ipa", "-v", voice}
	if p.dataDir != "" {
		// --path names the directory that contains espeak-ng-data.
		args = append(args, "--path="+filepath.Dir(filepath.Clean(p.dataDir)))
	}
	args = append(args, "--stdin")

	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("espeak: run %s: %w, stderr: %s", p.binary, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Symbols splits espeak-ng IPA output into phoneme symbols. Line breaks
// between clauses and runs of whitespace become a single " " word gap;
// leading and trailing whitespace is dropped.
func Symbols(ipa string) []string {
	fields := strings.Fields(norm.NFD.String(ipa))
	var out []string
	for i, f := range fields {
		if i > 0 {
			out = append(out, " ")
		}
		for _, r := range f {
			out = append(out, string(r))
		}
	}
	return out
}
