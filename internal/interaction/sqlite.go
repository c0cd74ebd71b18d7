package interaction

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/everloved/companion/internal/storage"
)

// SQLiteStore persists the interaction log in an embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := storage.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			profile_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			transcript TEXT NOT NULL,
			response TEXT NOT NULL,
			fallback INTEGER NOT NULL DEFAULT 0,
			pii_redacted INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_profile_created ON interactions (profile_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init interaction schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, r Interaction) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, profile_id, session_id, turn_id, transcript, response, fallback, pii_redacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProfileID, r.SessionID, r.TurnID, r.Transcript, r.Response, r.Fallback, r.PIIRedacted, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save interaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, profileID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, profile_id, session_id, turn_id, transcript, response, fallback, pii_redacted, created_at
		 FROM interactions WHERE profile_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		profileID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	items := make([]Interaction, 0, limit)
	for rows.Next() {
		var (
			r         Interaction
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.SessionID, &r.TurnID, &r.Transcript, &r.Response,
			&r.Fallback, &r.PIIRedacted, &createdAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	reverse(items)
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func reverse(items []Interaction) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
