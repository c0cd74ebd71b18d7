package voice

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/everloved/companion/internal/brain"
	"github.com/everloved/companion/internal/interaction"
	"github.com/everloved/companion/internal/observability"
	"github.com/everloved/companion/internal/persona"
	"github.com/everloved/companion/internal/synth"
)

const barrierEvent CaptureEventType = "barrier"

type fakeCapture struct {
	events chan CaptureEvent

	mu       sync.Mutex
	startErr error
	starts   int
	pauses   int
	stops    int
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{events: make(chan CaptureEvent)}
}

func (f *fakeCapture) Events() <-chan CaptureEvent { return f.events }

func (f *fakeCapture) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	return nil
}

func (f *fakeCapture) Pause() error {
	f.mu.Lock()
	f.pauses++
	f.mu.Unlock()
	return nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeCapture) counts() (starts, pauses, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.pauses, f.stops
}

type fakePlayer struct {
	autoComplete bool

	mu      sync.Mutex
	played  []synth.Audio
	timed   []time.Duration
	texts   []string
	stops   int
	current chan error
}

func (f *fakePlayer) Play(_ context.Context, _ string, audio synth.Audio) <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, audio)
	return f.begin()
}

func (f *fakePlayer) PlayTimedFallback(_ context.Context, _ string, text string, d time.Duration) <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timed = append(f.timed, d)
	f.texts = append(f.texts, text)
	return f.begin()
}

func (f *fakePlayer) begin() chan error {
	ch := make(chan error, 1)
	if f.autoComplete {
		ch <- nil
		return ch
	}
	f.current = ch
	return ch
}

func (f *fakePlayer) finish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		f.current <- err
		f.current = nil
	}
}

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.current != nil {
		f.current <- ErrPlaybackStopped
		f.current = nil
	}
}

func (f *fakePlayer) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeGenerator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req brain.Request) (string, error)

	mu   sync.Mutex
	reqs []brain.Request
}

func (f *fakeGenerator) Generate(ctx context.Context, req brain.Request) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.fn == nil {
		return "I'm right here, love.", nil
	}
	return f.fn(ctx, req)
}

func (f *fakeGenerator) lastRequest() brain.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeSynth struct {
	calls atomic.Int32
	fn    func(ctx context.Context, text, voiceID string) (*synth.Audio, error)
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, voiceID string) (*synth.Audio, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return &synth.Audio{Data: []byte("mp3:" + text), MimeType: "audio/mpeg"}, nil
	}
	return f.fn(ctx, text, voiceID)
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, f.err
}

type transition struct {
	from, to State
	turnID   string
}

type harness struct {
	t       *testing.T
	conv    *Conversation
	capture *fakeCapture
	player  *fakePlayer
	gen     *fakeGenerator
	synth   *fakeSynth
	store    *interaction.InMemoryStore
	recorder *interaction.Recorder
	metrics  *observability.Metrics

	transitions chan transition
	utterances  chan Utterance
	notices     chan string
}

type harnessOption func(*ConversationConfig, *Deps, *fakePlayer)

func withTiming(tm Timing) harnessOption {
	return func(cfg *ConversationConfig, _ *Deps, _ *fakePlayer) { cfg.Timing = tm }
}

func withDemo() harnessOption {
	return func(cfg *ConversationConfig, _ *Deps, _ *fakePlayer) { cfg.DemoPersona = true }
}

func withTranscriber(tr brain.Transcriber) harnessOption {
	return func(_ *ConversationConfig, deps *Deps, _ *fakePlayer) { deps.Transcriber = tr }
}

func withStore(store interaction.Store) harnessOption {
	return func(_ *ConversationConfig, deps *Deps, _ *fakePlayer) {
		deps.Recorder = interaction.NewRecorder(store, zerolog.Nop())
	}
}

func withAutoPlayback() harnessOption {
	return func(_ *ConversationConfig, _ *Deps, p *fakePlayer) { p.autoComplete = true }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		t:           t,
		capture:     newFakeCapture(),
		player:      &fakePlayer{},
		gen:         &fakeGenerator{},
		synth:       &fakeSynth{},
		store:       interaction.NewInMemoryStore(),
		metrics:     observability.NewMetrics("test", nil),
		transitions: make(chan transition, 64),
		utterances:  make(chan Utterance, 16),
		notices:     make(chan string, 16),
	}
	cfg := ConversationConfig{
		SessionID: "sess-1",
		Hooks: Hooks{
			OnStateChange: func(from, to State, turnID string) {
				h.transitions <- transition{from: from, to: to, turnID: turnID}
			},
			OnUtterance: func(u Utterance) { h.utterances <- u },
			OnNotice:    func(code, _ string) { h.notices <- code },
		},
	}
	deps := Deps{
		Generator:   h.gen,
		Synthesizer: h.synth,
		Voices:      synth.Voices{Default: "default-voice", Male: "male-voice"},
		Recorder:    interaction.NewRecorder(h.store, zerolog.Nop()),
		Metrics:     h.metrics,
		Logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps, h.player)
	}
	h.recorder = deps.Recorder
	h.conv = NewConversation(cfg, deps, h.capture, h.player)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.conv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func testPersona() *persona.Persona {
	return &persona.Persona{
		ID:           "p-1",
		Name:         "Martha",
		Relationship: "daughter",
		Biography:    "Lives nearby and visits on Sundays.",
		Gender:       persona.GenderFemale,
		VoiceID:      "martha-voice",
	}
}

func (h *harness) start() {
	h.t.Helper()
	require.NoError(h.t, h.conv.Start(context.Background(), testPersona()))
	require.Equal(h.t, StateListening, h.conv.State())
}

// emit hands ev to the conversation and returns once it has been fully handled.
func (h *harness) emit(ev CaptureEvent) {
	h.t.Helper()
	h.capture.events <- ev
	h.capture.events <- CaptureEvent{Type: barrierEvent}
}

func (h *harness) say(text string) {
	h.emit(CaptureEvent{Type: CaptureSpeechEnd, Text: text, At: time.Now()})
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.conv.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s (is %s)", want, h.conv.State())
}

func (h *harness) nextUtterance() Utterance {
	h.t.Helper()
	select {
	case u := <-h.utterances:
		return u
	case <-time.After(2 * time.Second):
		h.t.Fatal("no utterance emitted")
		return Utterance{}
	}
}

// records waits for pending interaction saves and returns what the default store holds.
func (h *harness) records() []interaction.Interaction {
	h.t.Helper()
	h.recorder.Wait()
	got, err := h.store.Recent(context.Background(), "p-1", 10)
	require.NoError(h.t, err)
	return got
}

func (h *harness) metricsBody() string {
	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func (h *harness) requireMetric(line string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return strings.Contains(h.metricsBody(), line) }, 2*time.Second, 10*time.Millisecond,
		"metric %q not found", line)
}
