package interaction

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps interactions in process memory for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Interaction
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Interaction)}
}

func (s *InMemoryStore) Save(_ context.Context, record Interaction) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ProfileID] = append(s.records[record.ProfileID], record)
	return nil
}

// Recent returns up to limit interactions in chronological order.
func (s *InMemoryStore) Recent(_ context.Context, profileID string, limit int) ([]Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[profileID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Interaction, limit)
	copy(out, arr[len(arr)-limit:])
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
