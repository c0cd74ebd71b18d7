package persona

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/everloved/companion/internal/storage"
)

// SQLiteStore persists personas in an embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		relationship TEXT NOT NULL,
		biography TEXT NOT NULL DEFAULT '',
		life_story TEXT NOT NULL DEFAULT '',
		gender TEXT NOT NULL DEFAULT '',
		restricted_topics TEXT NOT NULL DEFAULT '[]',
		emergency_contact TEXT NOT NULL DEFAULT '',
		voice_id TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init persona schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const sqlitePersonaColumns = `id, name, relationship, biography, life_story, gender, restricted_topics,
	emergency_contact, voice_id, avatar_url, created_at`

func (s *SQLiteStore) GetProfiles(ctx context.Context) ([]Persona, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqlitePersonaColumns+` FROM personas ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query personas: %w", err)
	}
	defer rows.Close()

	var out []Persona
	for rows.Next() {
		p, err := scanSQLitePersona(rows)
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

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (Persona, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlitePersonaColumns+` FROM personas WHERE id = ?`, id)
	p, err := scanSQLitePersona(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Persona{}, ErrNotFound
	}
	return p, err
}

func (s *SQLiteStore) CreateProfile(ctx context.Context, p Persona) (Persona, error) {
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
	topics, err := json.Marshal(p.RestrictedTopics)
	if err != nil {
		return Persona{}, fmt.Errorf("encode restricted topics: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO personas (`+sqlitePersonaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Relationship, p.Biography, p.LifeStory, string(p.Gender), string(topics),
		p.EmergencyContact, p.VoiceID, p.AvatarURL, p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Persona{}, fmt.Errorf("insert persona: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePersona(row rowScanner) (Persona, error) {
	var (
		p         Persona
		gender    string
		topics    string
		createdAt int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Relationship, &p.Biography, &p.LifeStory, &gender, &topics,
		&p.EmergencyContact, &p.VoiceID, &p.AvatarURL, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Persona{}, err
		}
		return Persona{}, fmt.Errorf("scan persona: %w", err)
	}
	p.Gender = Gender(gender)
	if err := json.Unmarshal([]byte(topics), &p.RestrictedTopics); err != nil {
		return Persona{}, fmt.Errorf("decode restricted topics: %w", err)
	}
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	return p, nil
}
