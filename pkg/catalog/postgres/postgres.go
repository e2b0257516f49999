// Package postgres provides a PostgreSQL-backed [catalog.Source] so that the
// NPC and character tables can be maintained in a database instead of the
// bundled JSON files.
//
// Usage:
//
//	src, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer src.Close()
//	cat, err = catalog.WithSource(ctx, cat, src)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/xivoice/pkg/catalog"
)

var _ catalog.Source = (*Source)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS npcs (
    id     INTEGER PRIMARY KEY,
    name   TEXT    NOT NULL,
    gender TEXT    NOT NULL CHECK (gender IN ('male', 'female'))
);

CREATE TABLE IF NOT EXISTS characters (
    name_key TEXT    NOT NULL,
    language TEXT    NOT NULL,
    model    TEXT    NOT NULL,
    speaker  INTEGER NOT NULL DEFAULT 0,
    gender   TEXT    NOT NULL CHECK (gender IN ('male', 'female')),
    PRIMARY KEY (name_key, language)
);
`

// Source reads NPC and character rows from PostgreSQL.
// All operations are safe for concurrent use.
type Source struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection and runs
// [Migrate].
func New(ctx context.Context, dsn string) (*Source, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres catalog: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres catalog: migrate: %w", err)
	}
	return &Source{pool: pool}, nil
}

// Migrate creates the catalog tables if they do not exist yet. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres catalog: apply ddl: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Source) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool, mainly for tests and health checks.
func (s *Source) Pool() *pgxpool.Pool {
	return s.pool
}

// LoadNPCs implements [catalog.Source].
func (s *Source) LoadNPCs(ctx context.Context) ([]catalog.NPC, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, gender FROM npcs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: query npcs: %w", err)
	}
	npcs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.NPC, error) {
		var n catalog.NPC
		var gender string
		if err := row.Scan(&n.ID, &n.Name, &gender); err != nil {
			return n, err
		}
		n.Gender = catalog.Gender(gender)
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: scan npcs: %w", err)
	}
	return npcs, nil
}

// LoadCharacters implements [catalog.Source]. Rows sharing a name_key are
// folded into one [catalog.Character] with a per-language voice map.
func (s *Source) LoadCharacters(ctx context.Context) ([]catalog.Character, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name_key, language, model, speaker, gender FROM characters ORDER BY name_key, language`)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: query characters: %w", err)
	}
	type row struct {
		key   string
		voice catalog.Voice
	}
	flat, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var out row
		var lang, gender string
		if err := r.Scan(&out.key, &lang, &out.voice.Model, &out.voice.Speaker, &gender); err != nil {
			return out, err
		}
		out.voice.Language = catalog.Language(lang)
		out.voice.Gender = catalog.Gender(gender)
		out.voice.Name = out.key
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: scan characters: %w", err)
	}

	var chars []catalog.Character
	index := make(map[string]int)
	for _, r := range flat {
		i, ok := index[r.key]
		if !ok {
			i = len(chars)
			index[r.key] = i
			chars = append(chars, catalog.Character{Key: r.key, Voices: map[catalog.Language]catalog.Voice{}})
		}
		chars[i].Voices[r.voice.Language] = r.voice
	}
	return chars, nil
}

// PutNPC inserts or replaces an NPC row.
func (s *Source) PutNPC(ctx context.Context, n catalog.NPC) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO npcs (id, name, gender) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, gender = EXCLUDED.gender`,
		n.ID, n.Name, string(n.Gender))
	if err != nil {
		return fmt.Errorf("postgres catalog: put npc %d: %w", n.ID, err)
	}
	return nil
}

// PutCharacterVoice inserts or replaces one language entry of a character.
func (s *Source) PutCharacterVoice(ctx context.Context, key string, v catalog.Voice) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO characters (name_key, language, model, speaker, gender) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name_key, language) DO UPDATE
		SET model = EXCLUDED.model, speaker = EXCLUDED.speaker, gender = EXCLUDED.gender`,
		key, string(v.Language), v.Model, v.Speaker, string(v.Gender))
	if err != nil {
		return fmt.Errorf("postgres catalog: put character %q: %w", key, err)
	}
	return nil
}
