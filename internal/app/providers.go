package app

import (
	"fmt"
	"strings"

	"github.com/everloved/companion/internal/brain"
	"github.com/everloved/companion/internal/config"
	"github.com/everloved/companion/internal/synth"
)

// ProviderInfo describes the backends Build selected.
type ProviderInfo struct {
	Generation    string
	Synthesis     string
	Transcription string
}

type providers struct {
	generator   brain.Client
	synthesizer synth.Client
	transcriber brain.Transcriber
	voices      synth.Voices
	info        ProviderInfo
}

func resolveProviders(cfg config.Config) (providers, error) {
	generator, genMode, err := brain.NewClient(brain.Config{
		Mode:          cfg.GenerationProvider,
		Timeout:       cfg.GenerationTimeout,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
		HTTPURL:       cfg.GenerationHTTPURL,
	})
	if err != nil {
		return providers{}, fmt.Errorf("generation provider init failed: %w", err)
	}

	synthesizer, synthMode, err := synth.NewClient(synth.Config{
		Provider: cfg.VoiceProvider,
		Timeout:  cfg.SynthesisTimeout,
		APIKey:   cfg.ElevenLabsAPIKey,
		BaseURL:  cfg.ElevenLabsBaseURL,
		ModelID:  cfg.ElevenLabsModelID,
	})
	if err != nil {
		return providers{}, fmt.Errorf("voice provider init failed: %w", err)
	}

	p := providers{
		generator:   generator,
		synthesizer: synthesizer,
		voices: synth.Voices{
			Default: cfg.ElevenLabsVoiceID,
			Male:    cfg.ElevenLabsVoiceIDMale,
			Female:  cfg.ElevenLabsVoiceIDFemale,
		},
		info: ProviderInfo{Generation: genMode, Synthesis: synthMode, Transcription: "browser"},
	}
	// Clients that upload raw audio need server-side transcription.
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		p.transcriber = brain.NewOpenAITranscriber(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		p.info.Transcription = "openai"
	}
	return p, nil
}
