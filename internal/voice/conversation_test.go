package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/everloved/companion/internal/brain"
	"github.com/everloved/companion/internal/interaction"
	"github.com/everloved/companion/internal/persona"
	"github.com/everloved/companion/internal/synth"
)

func TestStartWithoutPersonaStaysIdle(t *testing.T) {
	h := newHarness(t)

	err := h.conv.Start(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoPersona)
	require.Equal(t, StateIdle, h.conv.State())
	require.Equal(t, "no_persona", <-h.notices)

	starts, _, _ := h.capture.counts()
	require.Zero(t, starts)
}

func TestStartRejectsInvalidPersona(t *testing.T) {
	h := newHarness(t)

	err := h.conv.Start(context.Background(), &persona.Persona{ID: "x", Name: "Martha"})
	require.ErrorIs(t, err, ErrNoPersona)
	require.ErrorIs(t, err, persona.ErrInvalid)
	require.Equal(t, StateIdle, h.conv.State())
}

func TestStartUsesDemoPersonaOnlyInDemoMode(t *testing.T) {
	h := newHarness(t, withDemo())

	require.NoError(t, h.conv.Start(context.Background(), nil))
	require.Equal(t, StateListening, h.conv.State())

	h.say("who are you")
	h.waitState(StateSpeaking)
	require.Contains(t, h.gen.lastRequest().PersonaContext, "Grandpa Joe")
	require.Equal(t, "Grandpa Joe", h.nextUtterance().Speaker)
}

func TestStartWithoutCaptureStaysIdle(t *testing.T) {
	h := newHarness(t)
	h.capture.startErr = errors.New("no microphone")

	err := h.conv.Start(context.Background(), testPersona())
	require.ErrorIs(t, err, ErrCaptureUnsupported)
	require.Equal(t, StateIdle, h.conv.State())
	require.Equal(t, "capture_unsupported", <-h.notices)
}

func TestStartWhileActiveIsRejected(t *testing.T) {
	h := newHarness(t)
	h.start()

	require.ErrorIs(t, h.conv.Start(context.Background(), testPersona()), ErrSessionActive)
	require.Equal(t, StateListening, h.conv.State())
}

func TestConcurrentStartsActivateOnce(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.conv.Start(context.Background(), testPersona())
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, ErrSessionActive)
	}
	require.Equal(t, 1, ok)
}

func TestFullTurnRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.gen.fn = func(context.Context, brain.Request) (string, error) {
		return "Good morning, love. Did you sleep well?", nil
	}
	h.start()

	h.say("  good morning  ")
	h.waitState(StateSpeaking)

	u := h.nextUtterance()
	require.Equal(t, "good morning", u.Transcript)
	require.Equal(t, "Good morning, love. Did you sleep well?", u.Text)
	require.False(t, u.Fallback)

	req := h.gen.lastRequest()
	require.Equal(t, "good morning", req.Text)
	require.Equal(t, "sess-1", req.SessionID)
	require.Equal(t, u.TurnID, req.TurnID)
	require.Contains(t, req.PersonaContext, "Martha")

	h.player.finish(nil)
	h.waitState(StateListening)

	last, ok := h.conv.LastUtterance()
	require.True(t, ok)
	require.Equal(t, "Good morning, love. Did you sleep well?", last.Text)
	require.NotNil(t, last.Audio)
	require.False(t, last.CompletedAt.IsZero())

	h.player.mu.Lock()
	require.Len(t, h.player.played, 1)
	require.Equal(t, "mp3:Good morning, love. Did you sleep well?", string(h.player.played[0].Data))
	h.player.mu.Unlock()

	starts, pauses, _ := h.capture.counts()
	require.Equal(t, 2, starts)
	require.Equal(t, 1, pauses)

	records := h.records()
	require.Len(t, records, 1)
	require.Equal(t, "good morning", records[0].Transcript)
	require.False(t, records[0].Fallback)

	h.requireMetric(`test_turn_outcomes_total{outcome="spoken"} 1`)
}

func TestTransitionsFollowTurnOrder(t *testing.T) {
	h := newHarness(t, withAutoPlayback())
	h.start()
	h.say("hello")
	h.waitState(StateListening)
	h.conv.End("test")

	want := []State{StateListening, StateThinking, StateSpeaking, StateListening, StateIdle}
	prev := StateIdle
	for _, to := range want {
		select {
		case tr := <-h.transitions:
			require.Equal(t, prev, tr.from)
			require.Equal(t, to, tr.to)
			prev = tr.to
		case <-time.After(2 * time.Second):
			t.Fatalf("missing transition to %s", to)
		}
	}
}

func TestVoiceResolvesFromPersona(t *testing.T) {
	h := newHarness(t, withAutoPlayback())
	var voice string
	h.synth.fn = func(_ context.Context, text, voiceID string) (*synth.Audio, error) {
		voice = voiceID
		return &synth.Audio{Data: []byte(text), MimeType: "audio/mpeg"}, nil
	}
	h.start()
	h.say("hi")
	h.waitState(StateListening)
	require.Eventually(t, func() bool { return h.synth.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "martha-voice", voice)
}

func TestEmptySpeechEndMakesNoBackendCalls(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.emit(CaptureEvent{Type: CaptureSpeechEnd, Text: "   "})
	h.emit(CaptureEvent{Type: CaptureSpeechEnd})

	require.Equal(t, StateListening, h.conv.State())
	require.Zero(t, h.gen.calls.Load())
	require.Zero(t, h.synth.calls.Load())
	_, pauses, _ := h.capture.counts()
	require.Zero(t, pauses)
}

func TestBackToBackSpeechEndsStartOneTurn(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.gen.fn = func(ctx context.Context, _ brain.Request) (string, error) {
		select {
		case <-release:
			return "One reply.", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	h.start()

	h.say("first thing")
	h.say("second thing")

	require.Equal(t, StateThinking, h.conv.State())
	require.Eventually(t, func() bool { return h.gen.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	close(release)
	h.waitState(StateSpeaking)
	require.Equal(t, int32(1), h.gen.calls.Load())
	require.Equal(t, "first thing", h.gen.lastRequest().Text)
	h.requireMetric(`test_session_events_total{event="speech_end_discarded"} 1`)
}

func TestGenerationTimeoutFallsBackAndListens(t *testing.T) {
	h := newHarness(t, withTiming(Timing{Generation: 50 * time.Millisecond}))
	h.gen.fn = func(ctx context.Context, _ brain.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	h.start()

	h.say("are you there")
	u := h.nextUtterance()
	require.True(t, u.Fallback)
	require.Equal(t, FallbackLine, u.Text)
	require.Equal(t, "are you there", u.Transcript)

	h.waitState(StateListening)
	require.Zero(t, h.synth.calls.Load())

	records := h.records()
	require.Len(t, records, 1)
	require.True(t, records[0].Fallback)

	h.requireMetric(`test_provider_errors_total{code="timeout",provider="generation"} 1`)
	h.requireMetric(`test_turn_outcomes_total{outcome="fallback_line"} 1`)
}

func TestGenerationBoundHoldsWhenBackendIgnoresCancellation(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h := newHarness(t, withTiming(Timing{Generation: 50 * time.Millisecond}))
	h.gen.fn = func(context.Context, brain.Request) (string, error) {
		<-release
		return "too late", nil
	}
	h.start()

	h.say("are you there")
	require.Equal(t, FallbackLine, h.nextUtterance().Text)
	h.waitState(StateListening)
	h.requireMetric(`test_provider_errors_total{code="timeout",provider="generation"} 1`)
}

func TestSynthesisBoundHoldsWhenBackendIgnoresCancellation(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h := newHarness(t, withTiming(Timing{Synthesis: 50 * time.Millisecond}), withAutoPlayback())
	h.synth.fn = func(context.Context, string, string) (*synth.Audio, error) {
		<-release
		return &synth.Audio{Data: []byte("late"), MimeType: "audio/mpeg"}, nil
	}
	h.start()

	h.say("hello")
	h.waitState(StateListening)

	h.player.mu.Lock()
	require.Len(t, h.player.timed, 1)
	require.Empty(t, h.player.played)
	h.player.mu.Unlock()
	h.requireMetric(`test_provider_errors_total{code="timeout",provider="synthesis"} 1`)
}

func TestGenerationErrorFallsBack(t *testing.T) {
	h := newHarness(t)
	h.gen.fn = func(context.Context, brain.Request) (string, error) {
		return "", brain.ErrUnavailable
	}
	h.start()

	h.say("hello")
	require.Equal(t, FallbackLine, h.nextUtterance().Text)
	h.waitState(StateListening)

	h.player.mu.Lock()
	defer h.player.mu.Unlock()
	require.Empty(t, h.player.played)
	require.Empty(t, h.player.timed)
}

func TestSynthesisUnavailableUsesClampedTimedFallback(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  time.Duration
	}{
		{name: "single character", reply: "a", want: 2 * time.Second},
		{name: "very long reply", reply: strings.Repeat("a", 10000), want: 10 * time.Second},
		{name: "mid length", reply: strings.Repeat("b", 50), want: 4 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, withAutoPlayback())
			h.gen.fn = func(context.Context, brain.Request) (string, error) { return tc.reply, nil }
			h.synth.fn = func(context.Context, string, string) (*synth.Audio, error) { return nil, nil }
			h.start()

			h.say("tell me something")
			require.Equal(t, tc.reply, h.nextUtterance().Text)
			h.waitState(StateListening)

			h.player.mu.Lock()
			defer h.player.mu.Unlock()
			require.Equal(t, []time.Duration{tc.want}, h.player.timed)
			require.Equal(t, []string{tc.reply}, h.player.texts)
			require.Empty(t, h.player.played)
		})
	}
}

func TestSynthesisErrorUsesTimedFallback(t *testing.T) {
	h := newHarness(t)
	h.synth.fn = func(context.Context, string, string) (*synth.Audio, error) {
		return nil, synth.ErrFailed
	}
	h.start()

	h.say("hello")
	h.waitState(StateSpeaking)
	h.player.finish(nil)
	h.waitState(StateListening)

	h.player.mu.Lock()
	require.Len(t, h.player.timed, 1)
	h.player.mu.Unlock()

	last, ok := h.conv.LastUtterance()
	require.True(t, ok)
	require.Nil(t, last.Audio)
	h.requireMetric(`test_turn_outcomes_total{outcome="timed_fallback"} 1`)
}

func TestPlaybackTimeoutStopsPlayerAndListens(t *testing.T) {
	h := newHarness(t, withTiming(Timing{Playback: 50 * time.Millisecond}))
	h.start()

	h.say("hello")
	h.waitState(StateSpeaking)
	h.waitState(StateListening)
	require.Equal(t, 1, h.player.stopCount())
	h.requireMetric(`test_turn_outcomes_total{outcome="playback_failed"} 1`)
}

func TestEndFromEveryState(t *testing.T) {
	blockingGen := func(ctx context.Context, _ brain.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	cases := []struct {
		name        string
		setup       func(h *harness)
		wantStops   int
		wantPlayerS int
	}{
		{name: "idle", setup: func(*harness) {}, wantStops: 0, wantPlayerS: 0},
		{name: "listening", setup: func(h *harness) { h.start() }, wantStops: 1, wantPlayerS: 0},
		{
			name: "thinking",
			setup: func(h *harness) {
				h.gen.fn = blockingGen
				h.start()
				h.say("hello")
				require.Equal(t, StateThinking, h.conv.State())
			},
			wantStops:   1,
			wantPlayerS: 0,
		},
		{
			name: "speaking",
			setup: func(h *harness) {
				h.start()
				h.say("hello")
				h.waitState(StateSpeaking)
			},
			wantStops:   1,
			wantPlayerS: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)

			h.conv.End("test")
			require.Equal(t, StateIdle, h.conv.State())
			h.conv.End("again")
			require.Equal(t, StateIdle, h.conv.State())

			_, _, stops := h.capture.counts()
			require.Equal(t, tc.wantStops, stops)
			require.Equal(t, tc.wantPlayerS, h.player.stopCount())
		})
	}
}

func TestEndedSessionCanRestart(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.conv.End("test")
	h.start()
}

func TestStaleGenerationResultIsDropped(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	first := true
	var mu sync.Mutex
	h.gen.fn = func(context.Context, brain.Request) (string, error) {
		mu.Lock()
		isFirst := first
		first = false
		mu.Unlock()
		if isFirst {
			// Ignores cancellation, like a backend that answers late.
			<-release
			return "late reply", nil
		}
		return "fresh reply", nil
	}
	h.start()
	h.say("first")
	require.Equal(t, StateThinking, h.conv.State())
	require.Eventually(t, func() bool { return h.gen.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	h.conv.End("test")
	h.start()
	close(release)

	h.requireMetric(`test_stale_results_total{stage="generation"} 1`)
	require.Equal(t, StateListening, h.conv.State())
	require.Zero(t, h.synth.calls.Load())
	select {
	case u := <-h.utterances:
		t.Fatalf("unexpected utterance %q", u.Text)
	default:
	}
}

func TestSpeechDuringThinkingOrSpeakingIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.say("hello")
	h.waitState(StateSpeaking)

	h.emit(CaptureEvent{Type: CaptureSpeechStart})
	h.say("interrupting")
	require.Equal(t, StateSpeaking, h.conv.State())
	require.Equal(t, int32(1), h.gen.calls.Load())
}

func TestCaptureErrorRearmsThenNotifies(t *testing.T) {
	h := newHarness(t)
	h.start()

	for i := 0; i < 4; i++ {
		h.emit(CaptureEvent{Type: CaptureError, Reason: "network"})
	}
	starts, _, _ := h.capture.counts()
	require.Equal(t, 1+maxCaptureRearms, starts)
	require.Equal(t, "capture_error", <-h.notices)
	require.Equal(t, StateListening, h.conv.State())

	h.emit(CaptureEvent{Type: CaptureSpeechStart})
	h.emit(CaptureEvent{Type: CaptureError, Reason: "network"})
	starts, _, _ = h.capture.counts()
	require.Equal(t, 2+maxCaptureRearms, starts)
}

func TestRawAudioWithoutTranscriberIsNoSpeech(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.emit(CaptureEvent{Type: CaptureSpeechEnd, Audio: []byte{1, 2, 3}, MimeType: "audio/webm"})
	require.Equal(t, StateListening, h.conv.State())
	require.Zero(t, h.gen.calls.Load())
}

func TestRawAudioIsTranscribed(t *testing.T) {
	h := newHarness(t, withTranscriber(fakeTranscriber{text: "where is my coat"}), withAutoPlayback())
	h.start()

	h.emit(CaptureEvent{Type: CaptureSpeechEnd, Audio: []byte{1, 2, 3}, MimeType: "audio/webm"})
	u := h.nextUtterance()
	require.Equal(t, "where is my coat", u.Transcript)
	require.Equal(t, "where is my coat", h.gen.lastRequest().Text)
	h.waitState(StateListening)
}

func TestEmptyTranscriptionReturnsToListening(t *testing.T) {
	h := newHarness(t, withTranscriber(fakeTranscriber{}))
	h.start()

	h.emit(CaptureEvent{Type: CaptureSpeechEnd, Audio: []byte{1, 2, 3}, MimeType: "audio/webm"})
	h.waitState(StateListening)
	h.requireMetric(`test_turn_outcomes_total{outcome="no_speech"} 1`)
	require.Zero(t, h.gen.calls.Load())
}

func TestRunExitReleasesCapture(t *testing.T) {
	capture := newFakeCapture()
	conv := NewConversation(ConversationConfig{SessionID: "s"}, Deps{Generator: &fakeGenerator{}, Logger: zerolog.Nop()}, capture, &fakePlayer{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conv.Run(ctx) }()

	require.NoError(t, conv.Start(context.Background(), testPersona()))
	cancel()
	require.NoError(t, <-done)

	_, _, stops := capture.counts()
	require.Equal(t, 1, stops)
	require.Equal(t, StateIdle, conv.State())
	require.Error(t, conv.Run(context.Background()))
	require.ErrorIs(t, conv.Start(context.Background(), testPersona()), errNotRunning)
}

func TestFallbackDuration(t *testing.T) {
	per, lo, hi := 80*time.Millisecond, 2*time.Second, 10*time.Second
	require.Equal(t, lo, FallbackDuration("", per, lo, hi))
	require.Equal(t, lo, FallbackDuration("a", per, lo, hi))
	require.Equal(t, 4*time.Second, FallbackDuration(strings.Repeat("x", 50), per, lo, hi))
	require.Equal(t, hi, FallbackDuration(strings.Repeat("x", 10000), per, lo, hi))
	require.Equal(t, 4*time.Second, FallbackDuration(strings.Repeat("é", 50), per, lo, hi))
	require.Equal(t, lo, FallbackDuration("   a   ", per, lo, hi))
}

type stalledStore struct {
	*interaction.InMemoryStore
	saving chan struct{}
}

func (s *stalledStore) Save(ctx context.Context, _ interaction.Interaction) error {
	s.saving <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestStalledInteractionLogDoesNotDelayListeningOrEnd(t *testing.T) {
	store := &stalledStore{InMemoryStore: interaction.NewInMemoryStore(), saving: make(chan struct{}, 4)}
	h := newHarness(t, withStore(store))
	h.start()

	h.say("hello")
	h.waitState(StateSpeaking)
	finished := time.Now()
	h.player.finish(nil)
	h.waitState(StateListening)
	require.Less(t, time.Since(finished), 500*time.Millisecond)

	select {
	case <-store.saving:
	case <-time.After(2 * time.Second):
		t.Fatal("interaction was never handed to the store")
	}
	starts, _, _ := h.capture.counts()
	require.Equal(t, 2, starts)

	ended := time.Now()
	h.conv.End("test")
	require.Less(t, time.Since(ended), 500*time.Millisecond)
	require.Equal(t, StateIdle, h.conv.State())
}
