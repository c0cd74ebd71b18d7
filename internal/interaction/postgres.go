package interaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/everloved/companion/internal/storage"
)

// PostgresStore persists the interaction log in PostgreSQL.
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
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			profile_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL,
			transcript TEXT NOT NULL,
			response TEXT NOT NULL,
			fallback BOOLEAN NOT NULL DEFAULT FALSE,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_profile_created ON interactions (profile_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, r Interaction) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO interactions (id, profile_id, session_id, turn_id, transcript, response, fallback, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.ProfileID, r.SessionID, r.TurnID, r.Transcript, r.Response, r.Fallback, r.PIIRedacted, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save interaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, profileID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, profile_id, session_id, turn_id, transcript, response, fallback, pii_redacted, created_at
		 FROM interactions WHERE profile_id=$1 ORDER BY created_at DESC LIMIT $2`,
		profileID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	items := make([]Interaction, 0, limit)
	for rows.Next() {
		var r Interaction
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.SessionID, &r.TurnID, &r.Transcript, &r.Response,
			&r.Fallback, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interactions: %w", err)
	}
	// Chronological order for the dashboard timeline.
	reverse(items)
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
