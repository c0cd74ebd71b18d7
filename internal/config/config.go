package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the companion service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	LogLevel                 string
	LogFormat                string

	AllowAnyOrigin bool
	DemoPersona    bool

	DatabaseURL     string
	PersonaSeedFile string

	GenerationProvider string
	GenerationTimeout  time.Duration
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIModel        string
	GenerationHTTPURL  string

	VoiceProvider           string
	SynthesisTimeout        time.Duration
	ElevenLabsAPIKey        string
	ElevenLabsBaseURL       string
	ElevenLabsModelID       string
	ElevenLabsVoiceID       string
	ElevenLabsVoiceIDMale   string
	ElevenLabsVoiceIDFemale string

	FallbackSpeechPerChar time.Duration
	FallbackSpeechMin     time.Duration
	FallbackSpeechMax     time.Duration
	PlaybackTimeout       time.Duration
}

// Load reads a local .env file when present, then environment variables, and applies safe defaults.
func Load() (Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "companion"),
		LogLevel:           envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("APP_LOG_FORMAT", "json"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		PersonaSeedFile:    stringsTrimSpace("PERSONA_SEED_FILE"),
		GenerationProvider: envOrDefault("GENERATION_PROVIDER", "auto"),
		OpenAIAPIKey:       stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:      stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAIModel:        envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		GenerationHTTPURL:  stringsTrimSpace("GENERATION_HTTP_URL"),
		VoiceProvider:      envOrDefault("VOICE_PROVIDER", "auto"),
		ElevenLabsAPIKey:   stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:  envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsModelID:  envOrDefault("ELEVENLABS_MODEL_ID", "eleven_monolingual_v1"),
		// Rachel: calm, natural female premade voice.
		ElevenLabsVoiceID:        envOrDefault("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsVoiceIDMale:    stringsTrimSpace("ELEVENLABS_VOICE_ID_MALE"),
		ElevenLabsVoiceIDFemale:  stringsTrimSpace("ELEVENLABS_VOICE_ID_FEMALE"),
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		GenerationTimeout:        12 * time.Second,
		SynthesisTimeout:         10 * time.Second,
		FallbackSpeechPerChar:    80 * time.Millisecond,
		FallbackSpeechMin:        2 * time.Second,
		FallbackSpeechMax:        10 * time.Second,
		PlaybackTimeout:          90 * time.Second,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"GENERATION_TIMEOUT", &cfg.GenerationTimeout},
		{"SYNTHESIS_TIMEOUT", &cfg.SynthesisTimeout},
		{"FALLBACK_SPEECH_PER_CHAR", &cfg.FallbackSpeechPerChar},
		{"FALLBACK_SPEECH_MIN", &cfg.FallbackSpeechMin},
		{"FALLBACK_SPEECH_MAX", &cfg.FallbackSpeechMax},
		{"PLAYBACK_TIMEOUT", &cfg.PlaybackTimeout},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false)
	if err != nil {
		return Config{}, err
	}
	cfg.DemoPersona, err = boolFromEnv("APP_DEMO_PERSONA", false)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT must be positive")
	}
	if c.SynthesisTimeout <= 0 {
		return fmt.Errorf("SYNTHESIS_TIMEOUT must be positive")
	}
	if c.PlaybackTimeout <= 0 {
		return fmt.Errorf("PLAYBACK_TIMEOUT must be positive")
	}
	if c.FallbackSpeechPerChar <= 0 {
		return fmt.Errorf("FALLBACK_SPEECH_PER_CHAR must be positive")
	}
	if c.FallbackSpeechMin <= 0 || c.FallbackSpeechMax < c.FallbackSpeechMin {
		return fmt.Errorf("FALLBACK_SPEECH_MIN must be positive and not exceed FALLBACK_SPEECH_MAX")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
