// Package brain is the response generation client: persona context plus the patient's
// words in, one companion utterance out.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/everloved/companion/internal/persona"
)

// ErrUnavailable marks any generation failure the conversation must recover from.
var ErrUnavailable = errors.New("generation unavailable")

// Request is one generation call. PersonaContext is always set.
type Request struct {
	SessionID      string
	TurnID         string
	Text           string
	PersonaContext string
	Persona        persona.Persona
}

// Client generates a single companion reply. Implementations do not retry.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Config controls client construction.
type Config struct {
	Mode          string
	Timeout       time.Duration
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	HTTPURL       string
}

// NewClient builds the configured backend. In auto mode an OpenAI key wins,
// then an HTTP endpoint, then the local mock.
func NewClient(cfg Config) (Client, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" || mode == "auto" {
		switch {
		case strings.TrimSpace(cfg.OpenAIAPIKey) != "":
			mode = "openai"
		case strings.TrimSpace(cfg.HTTPURL) != "":
			mode = "http"
		default:
			mode = "mock"
		}
	}

	var inner Client
	switch mode {
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, "", errors.New("OPENAI_API_KEY is required for openai generation")
		}
		inner = NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, "", errors.New("GENERATION_HTTP_URL is required for http generation")
		}
		inner = NewHTTPClient(cfg.HTTPURL)
	case "mock":
		inner = NewMockClient()
	default:
		return nil, "", fmt.Errorf("unsupported generation provider %q", cfg.Mode)
	}
	return WithTimeout(inner, cfg.Timeout), mode, nil
}

type guarded struct {
	inner   Client
	timeout time.Duration
}

// WithTimeout bounds every call and folds all failures, including empty replies, into ErrUnavailable.
func WithTimeout(c Client, timeout time.Duration) Client {
	return &guarded{inner: c, timeout: timeout}
}

func (g *guarded) Generate(ctx context.Context, req Request) (string, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	text, err := g.inner.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty reply", ErrUnavailable)
	}
	return text, nil
}
