package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/everloved/companion/internal/config"
	"github.com/everloved/companion/internal/httpapi"
	"github.com/everloved/companion/internal/interaction"
	"github.com/everloved/companion/internal/observability"
	"github.com/everloved/companion/internal/persona"
	"github.com/everloved/companion/internal/session"
	"github.com/everloved/companion/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Personas     persona.Store
	Interactions interaction.Store
	Recorder     *interaction.Recorder
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
	Providers    ProviderInfo

	// Cleanup flushes pending interaction saves and releases database handles.
	// Call it once on shutdown.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, registry)

	personas, err := persona.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("persona store init failed: %w", err)
	}
	interactions, err := interaction.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = personas.Close()
		return nil, fmt.Errorf("interaction store init failed: %w", err)
	}
	recorder := interaction.NewRecorder(interactions, logger)
	cleanup := func() error {
		recorder.Wait()
		return errors.Join(interactions.Close(), personas.Close())
	}

	if cfg.PersonaSeedFile != "" {
		seeds, err := persona.LoadSeedFile(cfg.PersonaSeedFile)
		if err != nil {
			_ = cleanup()
			return nil, err
		}
		added, err := persona.Seed(ctx, personas, seeds)
		if err != nil {
			_ = cleanup()
			return nil, err
		}
		logger.Info().Int("added", added).Int("in_file", len(seeds)).Str("file", cfg.PersonaSeedFile).Msg("personas seeded")
	}

	prov, err := resolveProviders(cfg)
	if err != nil {
		_ = cleanup()
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	orchestrator := voice.NewOrchestrator(sessions, voice.Deps{
		Generator:   prov.generator,
		Transcriber: prov.transcriber,
		Synthesizer: prov.synthesizer,
		Voices:      prov.voices,
		Recorder:    recorder,
		Metrics:     metrics,
		Logger:      logger,
	}, voice.Options{
		DemoPersona: cfg.DemoPersona,
		Timing: voice.Timing{
			Generation:      cfg.GenerationTimeout,
			Synthesis:       cfg.SynthesisTimeout,
			Playback:        cfg.PlaybackTimeout,
			FallbackPerChar: cfg.FallbackSpeechPerChar,
			FallbackMin:     cfg.FallbackSpeechMin,
			FallbackMax:     cfg.FallbackSpeechMax,
		},
	})
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		orchestrator.EndSession(s.ID, "inactivity")
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Personas:     personas,
		Interactions: interactions,
		Metrics:      metrics,
		Logger:       logger,
	})

	logger.Info().
		Str("generation", prov.info.Generation).
		Str("synthesis", prov.info.Synthesis).
		Str("transcription", prov.info.Transcription).
		Bool("demo_persona", cfg.DemoPersona).
		Msg("providers ready")

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Personas:     personas,
		Interactions: interactions,
		Recorder:     recorder,
		Metrics:      metrics,
		Logger:       logger,
		Providers:    prov.info,
		Cleanup:      cleanup,
	}, nil
}
