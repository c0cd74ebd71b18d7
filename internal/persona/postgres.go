package persona

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/everloved/companion/internal/storage"
)

// PostgresStore persists personas in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := storage.OpenPostgres(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			relationship TEXT NOT NULL,
			biography TEXT NOT NULL DEFAULT '',
			life_story TEXT NOT NULL DEFAULT '',
			gender TEXT NOT NULL DEFAULT '',
			restricted_topics TEXT[] NOT NULL DEFAULT '{}',
			emergency_contact TEXT NOT NULL DEFAULT '',
			voice_id TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_personas_created ON personas (created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const pgPersonaColumns = `id, name, relationship, biography, life_story, gender, restricted_topics,
	emergency_contact, voice_id, avatar_url, created_at`

func (s *PostgresStore) GetProfiles(ctx context.Context) ([]Persona, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgPersonaColumns+` FROM personas ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query personas: %w", err)
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		p, err := scanPGPersona(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate personas: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (Persona, error) {
	p, err := scanPGPersona(s.pool.QueryRow(ctx, `SELECT `+pgPersonaColumns+` FROM personas WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Persona{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) CreateProfile(ctx context.Context, p Persona) (Persona, error) {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return Persona{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO personas (`+pgPersonaColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Name, p.Relationship, p.Biography, p.LifeStory, string(p.Gender), p.RestrictedTopics,
		p.EmergencyContact, p.VoiceID, p.AvatarURL, p.CreatedAt,
	)
	if err != nil {
		return Persona{}, fmt.Errorf("insert persona: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPGPersona(row pgx.Row) (Persona, error) {
	var (
		p      Persona
		gender string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Relationship, &p.Biography, &p.LifeStory, &gender, &p.RestrictedTopics,
		&p.EmergencyContact, &p.VoiceID, &p.AvatarURL, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Persona{}, err
		}
		return Persona{}, fmt.Errorf("scan persona: %w", err)
	}
	p.Gender = Gender(gender)
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}
