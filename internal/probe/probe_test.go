package probe

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/everloved/companion/internal/brain"
	"github.com/everloved/companion/internal/config"
	"github.com/everloved/companion/internal/httpapi"
	"github.com/everloved/companion/internal/interaction"
	"github.com/everloved/companion/internal/observability"
	"github.com/everloved/companion/internal/persona"
	"github.com/everloved/companion/internal/session"
	"github.com/everloved/companion/internal/synth"
	"github.com/everloved/companion/internal/voice"
)

func startServer(t *testing.T, synthesizer synth.Client) (*httptest.Server, string) {
	t.Helper()
	personas := persona.NewInMemoryStore()
	p, err := personas.CreateProfile(context.Background(), persona.Persona{Name: "Martha", Relationship: "daughter"})
	require.NoError(t, err)

	sessions := session.NewManager(time.Minute)
	metrics := observability.NewMetrics("probe", nil)
	orch := voice.NewOrchestrator(sessions, voice.Deps{
		Generator:   brain.NewMockClient(),
		Synthesizer: synthesizer,
		Metrics:     metrics,
		Logger:      zerolog.Nop(),
	}, voice.Options{Timing: voice.Timing{
		FallbackPerChar: time.Millisecond,
		FallbackMin:     5 * time.Millisecond,
		FallbackMax:     20 * time.Millisecond,
	}})
	srv := httpapi.New(config.Config{}, httpapi.Deps{
		Sessions:     sessions,
		Orchestrator: orch,
		Personas:     personas,
		Interactions: interaction.NewInMemoryStore(),
		Metrics:      metrics,
		Logger:       zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, p.ID
}

func TestRunAudioPlayback(t *testing.T) {
	ts, personaID := startServer(t, synth.NewMockClient())

	var out strings.Builder
	report, err := Run(context.Background(), Options{
		BaseURL:   ts.URL,
		PersonaID: personaID,
		Texts:     []string{"hello", "  ", "is it Sunday"},
		Turns:     3,
		Verbose:   true,
	}, &out)
	require.NoError(t, err)
	require.Len(t, report.Turns, 3)
	require.Equal(t, "It's Martha, I'm right here. You said: hello", report.Turns[0].Reply)
	require.Equal(t, "is it Sunday", report.Turns[1].Text)
	for _, turn := range report.Turns {
		require.Equal(t, "audio", turn.PlaybackMode)
		require.GreaterOrEqual(t, turn.ToListening, turn.ToPlayback)
	}
	require.Positive(t, report.PlaybackP50())
	require.Contains(t, out.String(), "completed")
}

func TestRunTimedFallback(t *testing.T) {
	ts, personaID := startServer(t, synth.None{})

	report, err := Run(context.Background(), Options{BaseURL: ts.URL, PersonaID: personaID, Turns: 1}, nil)
	require.NoError(t, err)
	require.Len(t, report.Turns, 1)
	require.Equal(t, "timed", report.Turns[0].PlaybackMode)
}

func TestRunUnknownPersona(t *testing.T) {
	ts, _ := startServer(t, synth.None{})

	_, err := Run(context.Background(), Options{BaseURL: ts.URL, PersonaID: "nobody"}, nil)
	require.ErrorContains(t, err, "create session")
}

func TestRunSessionWithoutPersonaIsRefused(t *testing.T) {
	ts, _ := startServer(t, synth.None{})

	_, err := Run(context.Background(), Options{BaseURL: ts.URL, TurnTimeout: 2 * time.Second}, nil)
	require.ErrorContains(t, err, "no_persona")
}

func TestWSURLFor(t *testing.T) {
	got, err := wsURLFor("https://care.example.org/base", "/v1/sessions/ws?session_id=abc")
	require.NoError(t, err)
	require.Equal(t, "wss://care.example.org/base/v1/sessions/ws?session_id=abc", got)

	_, err = wsURLFor("ftp://x", "/v1/sessions/ws")
	require.Error(t, err)
}
