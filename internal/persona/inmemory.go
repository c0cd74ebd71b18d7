package persona

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps personas in process memory for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]Persona
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{profiles: make(map[string]Persona)}
}

func (s *InMemoryStore) GetProfiles(_ context.Context) ([]Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Persona, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) GetProfile(_ context.Context, id string) (Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return Persona{}, ErrNotFound
	}
	return clone(p), nil
}

func (s *InMemoryStore) CreateProfile(_ context.Context, p Persona) (Persona, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = clone(p)
	return p, nil
}

func (s *InMemoryStore) Close() error { return nil }

func clone(p Persona) Persona {
	if p.RestrictedTopics != nil {
		p.RestrictedTopics = append([]string(nil), p.RestrictedTopics...)
	}
	return p
}
