package interaction

import (
	"context"
	"time"
)

// Interaction is one completed turn as seen by the caregiver dashboard.
type Interaction struct {
	ID          string    `json:"id"`
	ProfileID   string    `json:"profile_id"`
	SessionID   string    `json:"session_id"`
	TurnID      string    `json:"turn_id"`
	Transcript  string    `json:"transcript"`
	Response    string    `json:"response"`
	Fallback    bool      `json:"fallback"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store appends and lists interactions per persona profile.
type Store interface {
	Save(ctx context.Context, record Interaction) error
	Recent(ctx context.Context, profileID string, limit int) ([]Interaction, error)
	Close() error
}

const defaultRecentLimit = 20
