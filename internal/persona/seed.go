package persona

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Personas []Persona `yaml:"personas"`
}

// LoadSeedFile reads caregiver-authored personas from a YAML document.
func LoadSeedFile(path string) ([]Persona, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona seed file: %w", err)
	}
	var doc seedFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse persona seed file: %w", err)
	}
	for i, p := range doc.Personas {
		if err := p.Normalize().Validate(); err != nil {
			return nil, fmt.Errorf("persona seed #%d: %w", i+1, err)
		}
	}
	return doc.Personas, nil
}

// Seed creates each persona whose id is not already present. It returns how many were added.
func Seed(ctx context.Context, store Store, personas []Persona) (int, error) {
	added := 0
	for _, p := range personas {
		if p.ID != "" {
			if _, err := store.GetProfile(ctx, p.ID); err == nil {
				continue
			} else if !errors.Is(err, ErrNotFound) {
				return added, err
			}
		}
		if _, err := store.CreateProfile(ctx, p); err != nil {
			return added, fmt.Errorf("seed persona %q: %w", p.Name, err)
		}
		added++
	}
	return added, nil
}
