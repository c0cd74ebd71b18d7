package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Gender string

const (
	GenderFemale      Gender = "female"
	GenderMale        Gender = "male"
	GenderUnspecified Gender = ""
)

var (
	ErrNotFound = errors.New("persona not found")
	ErrInvalid  = errors.New("invalid persona")
)

// Persona is the caregiver-authored identity the companion adopts during a session.
type Persona struct {
	ID               string    `json:"id" yaml:"id"`
	Name             string    `json:"name" yaml:"name"`
	Relationship     string    `json:"relationship" yaml:"relationship"`
	Biography        string    `json:"biography" yaml:"biography"`
	LifeStory        string    `json:"life_story,omitempty" yaml:"life_story"`
	Gender           Gender    `json:"gender,omitempty" yaml:"gender"`
	RestrictedTopics []string  `json:"restricted_topics,omitempty" yaml:"restricted_topics"`
	EmergencyContact string    `json:"emergency_contact,omitempty" yaml:"emergency_contact"`
	VoiceID          string    `json:"voice_id,omitempty" yaml:"voice_id"`
	AvatarURL        string    `json:"avatar_url,omitempty" yaml:"avatar_url"`
	CreatedAt        time.Time `json:"created_at" yaml:"-"`
}

// Store is the persona CRUD surface. The conversational core only reads from it.
type Store interface {
	GetProfiles(ctx context.Context) ([]Persona, error)
	GetProfile(ctx context.Context, id string) (Persona, error)
	CreateProfile(ctx context.Context, p Persona) (Persona, error)
	Close() error
}

// Validate enforces the fields every session depends on.
func (p Persona) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if strings.TrimSpace(p.Relationship) == "" {
		return fmt.Errorf("%w: relationship is required", ErrInvalid)
	}
	switch p.Gender {
	case GenderFemale, GenderMale, GenderUnspecified:
	default:
		return fmt.Errorf("%w: gender must be male or female", ErrInvalid)
	}
	return nil
}

// Normalize trims free-text fields and drops blank restricted topics.
func (p Persona) Normalize() Persona {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.Relationship = strings.TrimSpace(p.Relationship)
	p.Biography = strings.TrimSpace(p.Biography)
	p.LifeStory = strings.TrimSpace(p.LifeStory)
	p.Gender = Gender(strings.ToLower(strings.TrimSpace(string(p.Gender))))
	p.EmergencyContact = strings.TrimSpace(p.EmergencyContact)
	p.VoiceID = strings.TrimSpace(p.VoiceID)
	p.AvatarURL = strings.TrimSpace(p.AvatarURL)
	topics := make([]string, 0, len(p.RestrictedTopics))
	for _, t := range p.RestrictedTopics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	p.RestrictedTopics = topics
	return p
}

// Context renders the persona into the string sent with every generation request.
func (p Persona) Context() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s. Relationship: %s.", p.Name, p.Relationship)
	if p.Biography != "" {
		fmt.Fprintf(&b, " Biography: %s", p.Biography)
	}
	if p.LifeStory != "" {
		fmt.Fprintf(&b, "\nLife story: %s", p.LifeStory)
	}
	if len(p.RestrictedTopics) > 0 {
		fmt.Fprintf(&b, "\nRestricted topics: %s", strings.Join(p.RestrictedTopics, ", "))
	}
	if p.EmergencyContact != "" {
		fmt.Fprintf(&b, "\nEmergency contact: %s", p.EmergencyContact)
	}
	return b.String()
}

// Demo is the generic persona used only when demo mode is enabled and no persona was chosen.
func Demo() Persona {
	return Persona{
		ID:           "demo",
		Name:         "Grandpa Joe",
		Relationship: "grandfather",
		Biography:    "Loves fishing, calm and reassuring.",
		Gender:       GenderMale,
	}
}
