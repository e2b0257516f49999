package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Resource file names inside a catalog directory.
const (
	VoicesFile     = "voices.json"
	NPCsFile       = "npcs.json"
	CharactersFile = "characters.json"
	MaleNamesFile  = "genders/male.txt"
	FemaleNameFile = "genders/female.txt"
)

// Source supplies NPC and character tables from somewhere other than the
// bundled JSON files (e.g. a database). Voice pools always come from files.
type Source interface {
	LoadNPCs(ctx context.Context) ([]NPC, error)
	LoadCharacters(ctx context.Context) ([]Character, error)
}

// LoadDir reads every resource file under dir. A missing voices file is an
// error; missing NPC, character or gender files yield empty tables and a
// warning so that a partial resource directory still produces a usable
// catalog.
func LoadDir(dir string) (*Catalog, error) {
	pool, err := readFile(dir, VoicesFile, ReadVoices)
	if err != nil {
		return nil, err
	}

	npcs, err := readOptional(dir, NPCsFile, ReadNPCs)
	if err != nil {
		return nil, err
	}
	chars, err := readOptional(dir, CharactersFile, ReadCharacters)
	if err != nil {
		return nil, err
	}

	genders := GenderDictionary{}
	for _, entry := range []struct {
		file   string
		gender Gender
	}{
		{MaleNamesFile, GenderMale},
		{FemaleNameFile, GenderFemale},
	} {
		if _, err := readOptional(dir, entry.file, func(r io.Reader) (struct{}, error) {
			return struct{}{}, ReadGenderNames(r, entry.gender, genders)
		}); err != nil {
			return nil, err
		}
	}

	c := New(pool, npcs, chars, genders)
	st := c.Stats()
	slog.Info("catalog loaded",
		"dir", dir,
		"voices", st.Voices,
		"npcs", st.NPCs,
		"characters", st.Characters,
		"names", st.Names,
	)
	return c, nil
}

// WithSource returns a copy of c whose NPC and character tables are replaced
// by the ones loaded from src. Voice pools and the gender dictionary are
// shared with c.
func WithSource(ctx context.Context, c *Catalog, src Source) (*Catalog, error) {
	npcs, err := src.LoadNPCs(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: load npcs from source: %w", err)
	}
	chars, err := src.LoadCharacters(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: load characters from source: %w", err)
	}
	return New(c.pool, npcs, chars, c.genders), nil
}

func readFile[T any](dir, name string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	path := filepath.Join(dir, filepath.FromSlash(name))
	f, err := os.Open(path)
	if err != nil {
		return zero, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer f.Close()
	v, err := parse(f)
	if err != nil {
		return zero, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return v, nil
}

func readOptional[T any](dir, name string, parse func(io.Reader) (T, error)) (T, error) {
	v, err := readFile(dir, name, parse)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("catalog resource missing, using empty table", "file", name, "dir", dir)
		var zero T
		return zero, nil
	}
	return v, err
}

// ReadVoices decodes a voices document: an object mapping a language code to
// an ordered list of voices. Entries with an empty language are stamped with
// the key they are listed under.
func ReadVoices(r io.Reader) (Pool, error) {
	var raw map[Language][]Voice
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}
	pool := make(Pool, len(raw))
	for lang, voices := range raw {
		for i := range voices {
			if voices[i].Language == "" {
				voices[i].Language = lang
			}
		}
		pool[lang] = voices
	}
	return pool, nil
}

// ReadNPCs decodes an NPC document keyed by the decimal npc id.
func ReadNPCs(r io.Reader) ([]NPC, error) {
	var raw map[string]struct {
		Name   string `json:"name"`
		Gender Gender `json:"gender"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]NPC, 0, len(raw))
	for key, entry := range raw {
		id, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("npc id %q: %w", key, err)
		}
		out = append(out, NPC{ID: id, Name: entry.Name, Gender: entry.Gender})
	}
	return out, nil
}

// ReadCharacters decodes a character document of the form
// {"<key>": {"tts": {"<lang>": Voice}}}.
func ReadCharacters(r io.Reader) ([]Character, error) {
	var raw map[string]struct {
		TTS map[Language]Voice `json:"tts"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}
	out := make([]Character, 0, len(raw))
	for key, entry := range raw {
		voices := make(map[Language]Voice, len(entry.TTS))
		for lang, v := range entry.TTS {
			if v.Language == "" {
				v.Language = lang
			}
			voices[lang] = v
		}
		out = append(out, Character{Key: key, Voices: voices})
	}
	return out, nil
}

// ReadGenderNames adds one name per line from r to dict with gender g. Lines
// are normalized with [NormalizeToken]; lines that normalize to nothing are
// skipped. Later calls overwrite earlier entries for the same name.
func ReadGenderNames(r io.Reader, g Gender, dict GenderDictionary) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		name := NormalizeToken(sc.Text())
		if name == "" {
			continue
		}
		dict[name] = g
	}
	return sc.Err()
}
