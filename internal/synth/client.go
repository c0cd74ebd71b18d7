// Package synth is the voice synthesis client. A nil *Audio with a nil error means
// synthesis is not configured, which callers treat as a normal degraded mode.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/everloved/companion/internal/persona"
)

// ErrFailed wraps every transport or service error from a configured backend.
var ErrFailed = errors.New("synthesis failed")

// Audio is a playable clip.
type Audio struct {
	Data     []byte
	MimeType string
}

type Client interface {
	Synthesize(ctx context.Context, text, voiceID string) (*Audio, error)
}

type Config struct {
	Provider string
	Timeout  time.Duration
	APIKey   string
	BaseURL  string
	ModelID  string
}

// Voices is the default voice table used when a persona has no voice of its own.
type Voices struct {
	Default string
	Male    string
	Female  string
}

// ResolveVoice picks the persona's own voice, then a gender default, then the generic default.
func (v Voices) ResolveVoice(p persona.Persona) string {
	if id := strings.TrimSpace(p.VoiceID); id != "" {
		return id
	}
	switch p.Gender {
	case persona.GenderMale:
		if v.Male != "" {
			return v.Male
		}
	case persona.GenderFemale:
		if v.Female != "" {
			return v.Female
		}
	}
	return v.Default
}

// NewClient builds the configured backend. Auto selects elevenlabs when a key is present, otherwise none.
func NewClient(cfg Config) (Client, string, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" || provider == "auto" {
		provider = "none"
		if strings.TrimSpace(cfg.APIKey) != "" {
			provider = "elevenlabs"
		}
	}

	var inner Client
	switch provider {
	case "elevenlabs":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, "", errors.New("ELEVENLABS_API_KEY is required for elevenlabs synthesis")
		}
		inner = NewElevenLabsClient(cfg.APIKey, cfg.BaseURL, cfg.ModelID)
	case "mock":
		inner = NewMockClient()
	case "none":
		return None{}, provider, nil
	default:
		return nil, "", fmt.Errorf("unsupported voice provider %q", cfg.Provider)
	}
	return WithTimeout(inner, cfg.Timeout), provider, nil
}

// None is the unconfigured backend.
type None struct{}

func (None) Synthesize(context.Context, string, string) (*Audio, error) { return nil, nil }

type guarded struct {
	inner   Client
	timeout time.Duration
}

// WithTimeout bounds each call, cleans text for speech, and folds failures into ErrFailed.
func WithTimeout(c Client, timeout time.Duration) Client {
	return &guarded{inner: c, timeout: timeout}
}

func (g *guarded) Synthesize(ctx context.Context, text, voiceID string) (*Audio, error) {
	spoken := SanitizeSpeechText(text)
	if spoken == "" {
		return nil, fmt.Errorf("%w: nothing speakable in text", ErrFailed)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	audio, err := g.inner.Synthesize(ctx, spoken, voiceID)
	if err != nil {
		if errors.Is(err, ErrFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrFailed, err)
	}
	if audio != nil && len(audio.Data) == 0 {
		return nil, fmt.Errorf("%w: empty audio", ErrFailed)
	}
	return audio, nil
}
