package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/everloved/companion/internal/brain"
	"github.com/everloved/companion/internal/interaction"
	"github.com/everloved/companion/internal/observability"
	"github.com/everloved/companion/internal/persona"
	"github.com/everloved/companion/internal/reliability"
	"github.com/everloved/companion/internal/synth"
)

const maxCaptureRearms = 3

// Timing bounds every suspension point of a turn.
type Timing struct {
	Generation      time.Duration
	Synthesis       time.Duration
	Playback        time.Duration
	FallbackPerChar time.Duration
	FallbackMin     time.Duration
	FallbackMax     time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Generation:      12 * time.Second,
		Synthesis:       10 * time.Second,
		Playback:        90 * time.Second,
		FallbackPerChar: 80 * time.Millisecond,
		FallbackMin:     2 * time.Second,
		FallbackMax:     10 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	def := DefaultTiming()
	for _, f := range []struct{ dst, def *time.Duration }{
		{&t.Generation, &def.Generation},
		{&t.Synthesis, &def.Synthesis},
		{&t.Playback, &def.Playback},
		{&t.FallbackPerChar, &def.FallbackPerChar},
		{&t.FallbackMin, &def.FallbackMin},
		{&t.FallbackMax, &def.FallbackMax},
	} {
		if *f.dst <= 0 {
			*f.dst = *f.def
		}
	}
	return t
}

// Hooks are called from the conversation's own goroutine. They must not block for long
// and must not call back into Start or End.
type Hooks struct {
	OnStateChange func(from, to State, turnID string)
	OnSpeechStart func()
	OnUtterance   func(Utterance)
	OnNotice      func(code, message string)
}

// Deps are the collaborators shared by every conversation.
type Deps struct {
	Generator   brain.Client
	Transcriber brain.Transcriber
	Synthesizer synth.Client
	Voices      synth.Voices
	Recorder    *interaction.Recorder
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

type ConversationConfig struct {
	SessionID   string
	DemoPersona bool
	Timing      Timing
	Hooks       Hooks
}

// Conversation is the turn state machine for one session. All state is owned by the
// goroutine running Run; Start and End are delivered to it as commands.
type Conversation struct {
	cfg     ConversationConfig
	deps    Deps
	capture Capture
	player  Player
	logger  zerolog.Logger

	cmds    chan command
	results chan result
	done    chan struct{}
	runOnce sync.Once

	mu    sync.RWMutex
	state State
	last  *Utterance

	// Owned by the Run goroutine.
	runCtx        context.Context
	persona       persona.Persona
	voiceID       string
	turn          *turn
	captureHeld   bool
	captureErrors int
}

type turn struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	utt     Utterance
	playing bool
}

type command struct {
	start  *startCommand
	end    string
	result chan error
}

type startCommand struct {
	persona *persona.Persona
}

type resultKind int

const (
	resultGenerated resultKind = iota
	resultSynthesized
	resultPlayed
)

type result struct {
	kind       resultKind
	turnID     string
	transcript string
	text       string
	audio      *synth.Audio
	err        error
	noSpeech   bool
}

func NewConversation(cfg ConversationConfig, deps Deps, capture Capture, player Player) *Conversation {
	cfg.Timing = cfg.Timing.withDefaults()
	return &Conversation{
		cfg:     cfg,
		deps:    deps,
		capture: capture,
		player:  player,
		logger:  deps.Logger.With().Str("component", "conversation").Str("session_id", cfg.SessionID).Logger(),
		cmds:    make(chan command),
		results: make(chan result, 4),
		done:    make(chan struct{}),
		state:   StateIdle,
	}
}

func (c *Conversation) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastUtterance returns the most recent completed exchange.
func (c *Conversation) LastUtterance() (Utterance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return Utterance{}, false
	}
	return *c.last, true
}

// Run processes capture events, backend results and commands until ctx is done.
// On exit any held capture and playback are released. Run may only be called once.
func (c *Conversation) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("conversation already ran")
	}
	c.runCtx = ctx
	defer close(c.done)
	defer c.endSession("shutdown")

	events := c.capture.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.cmds:
			switch {
			case cmd.start != nil:
				cmd.result <- c.startSession(cmd.start.persona)
			default:
				c.endSession(cmd.end)
				cmd.result <- nil
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleCapture(ev)
		case r := <-c.results:
			c.handleResult(r)
		}
	}
}

// Start moves idle to listening. A nil persona is only accepted in demo mode.
func (c *Conversation) Start(ctx context.Context, p *persona.Persona) error {
	return c.do(ctx, command{start: &startCommand{persona: p}})
}

// End returns the conversation to idle from any state. Ending an idle conversation is a no-op.
func (c *Conversation) End(reason string) {
	_ = c.do(context.Background(), command{end: reason})
}

func (c *Conversation) do(ctx context.Context, cmd command) error {
	cmd.result = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return errNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-c.done:
		return errNotRunning
	}
}

func (c *Conversation) startSession(p *persona.Persona) error {
	if c.State() != StateIdle {
		return ErrSessionActive
	}

	var chosen persona.Persona
	switch {
	case p != nil:
		chosen = p.Normalize()
	case c.cfg.DemoPersona:
		chosen = persona.Demo()
	default:
		c.notice("no_persona", "Let's get set up first. Please ask your caregiver to choose who I should be.")
		return ErrNoPersona
	}
	if err := chosen.Validate(); err != nil {
		c.notice("no_persona", "Let's get set up first. Please ask your caregiver to choose who I should be.")
		return fmt.Errorf("%w: %w", ErrNoPersona, err)
	}

	if err := c.capture.Start(c.runCtx); err != nil {
		c.logger.Warn().Err(err).Msg("capture unavailable; session not started")
		c.sessionEvent("capture_unsupported")
		c.notice("capture_unsupported", "I can't hear you on this device. Please ask your caregiver for help.")
		if errors.Is(err, ErrCaptureUnsupported) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrCaptureUnsupported, err)
	}

	c.persona = chosen
	c.voiceID = c.deps.Voices.ResolveVoice(chosen)
	c.captureHeld = true
	c.captureErrors = 0
	c.sessionEvent("started")
	c.logger.Info().Str("persona_id", chosen.ID).Msg("conversation started")
	c.setState(StateListening, "")
	return nil
}

func (c *Conversation) endSession(reason string) {
	if c.State() == StateIdle {
		return
	}
	if t := c.turn; t != nil {
		t.cancel()
		if t.playing {
			c.player.Stop()
		}
		c.turn = nil
	}
	if c.captureHeld {
		if err := c.capture.Stop(); err != nil {
			c.logger.Warn().Err(err).Msg("capture stop failed")
		}
		c.captureHeld = false
	}
	c.sessionEvent("ended")
	c.logger.Info().Str("reason", reason).Msg("conversation ended")
	c.setState(StateIdle, "")
}

func (c *Conversation) handleCapture(ev CaptureEvent) {
	state := c.State()
	switch ev.Type {
	case CaptureSpeechStart:
		if state != StateListening {
			return
		}
		c.captureErrors = 0
		if h := c.cfg.Hooks.OnSpeechStart; h != nil {
			h()
		}
	case CaptureSpeechEnd:
		if state != StateListening {
			// A lagging capture pipeline; at most one utterance per listening window.
			c.sessionEvent("speech_end_discarded")
			return
		}
		c.captureErrors = 0
		if ev.empty() {
			c.sessionEvent("no_speech")
			return
		}
		if strings.TrimSpace(ev.Text) == "" && c.deps.Transcriber == nil {
			c.logger.Warn().Msg("raw audio received but no transcriber configured; treating as no speech")
			c.sessionEvent("no_speech")
			return
		}
		c.beginTurn(ev)
	case CaptureError:
		if state != StateListening {
			return
		}
		c.sessionEvent("capture_error")
		c.logger.Warn().Str("reason", ev.Reason).Msg("capture error while listening")
		c.captureErrors++
		if c.captureErrors > maxCaptureRearms {
			c.notice("capture_error", "I'm having a little trouble hearing you. I'm still here.")
			return
		}
		if err := c.capture.Start(c.runCtx); err != nil {
			c.logger.Warn().Err(err).Msg("capture re-arm failed")
		}
	}
}

func (c *Conversation) beginTurn(ev CaptureEvent) {
	ctx, cancel := context.WithCancel(c.runCtx)
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	t := &turn{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		utt:    Utterance{Speaker: c.persona.Name, Transcript: strings.TrimSpace(ev.Text), CapturedAt: at},
	}
	t.utt.TurnID = t.id
	c.turn = t

	if err := c.capture.Pause(); err != nil {
		c.logger.Warn().Err(err).Msg("capture pause failed")
	}
	c.setState(StateThinking, t.id)

	req := brain.Request{
		SessionID:      c.cfg.SessionID,
		TurnID:         t.id,
		Text:           t.utt.Transcript,
		PersonaContext: c.persona.Context(),
		Persona:        c.persona,
	}
	go c.generate(t, req, ev.Audio, ev.MimeType)
}

func (c *Conversation) generate(t *turn, req brain.Request, audio []byte, mimeType string) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(t.ctx, c.cfg.Timing.Generation)
	defer cancel()

	if req.Text == "" {
		text, err := bounded(ctx, func(ctx context.Context) (string, error) {
			return c.deps.Transcriber.Transcribe(ctx, audio, mimeType)
		})
		if err != nil {
			c.post(result{kind: resultGenerated, turnID: t.id, err: err})
			return
		}
		if text == "" {
			c.post(result{kind: resultGenerated, turnID: t.id, noSpeech: true})
			return
		}
		req.Text = text
	}

	reply, err := bounded(ctx, func(ctx context.Context) (string, error) {
		return c.deps.Generator.Generate(ctx, req)
	})
	if err == nil && strings.TrimSpace(reply) == "" {
		err = fmt.Errorf("%w: empty reply", brain.ErrUnavailable)
	}
	c.observeStage("generation", time.Since(started))
	c.post(result{kind: resultGenerated, turnID: t.id, transcript: req.Text, text: strings.TrimSpace(reply), err: err})
}

func (c *Conversation) synthesize(t *turn, text, voiceID string) {
	started := time.Now()
	if c.deps.Synthesizer == nil {
		c.post(result{kind: resultSynthesized, turnID: t.id})
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, c.cfg.Timing.Synthesis)
	defer cancel()
	audio, err := bounded(ctx, func(ctx context.Context) (*synth.Audio, error) {
		return c.deps.Synthesizer.Synthesize(ctx, text, voiceID)
	})
	c.observeStage("synthesis", time.Since(started))
	c.post(result{kind: resultSynthesized, turnID: t.id, audio: audio, err: err})
}

// bounded returns when call does or when ctx ends, whichever comes first. A backend
// that ignores cancellation is left to finish on its own goroutine.
func bounded[T any](ctx context.Context, call func(context.Context) (T, error)) (T, error) {
	type outcome struct {
		val T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		val, err := call(ctx)
		ch <- outcome{val, err}
	}()
	select {
	case o := <-ch:
		return o.val, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *Conversation) awaitPlayback(t *turn, done <-chan error) {
	timer := time.NewTimer(c.cfg.Timing.Playback)
	defer timer.Stop()
	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = errPlaybackTimeout
	case <-t.ctx.Done():
		return
	}
	c.post(result{kind: resultPlayed, turnID: t.id, err: err})
}

func (c *Conversation) post(r result) {
	select {
	case c.results <- r:
	case <-c.done:
	}
}

func (c *Conversation) handleResult(r result) {
	t := c.turn
	if t == nil || t.id != r.turnID {
		c.dropStale(r)
		return
	}
	switch r.kind {
	case resultGenerated:
		c.onGenerated(t, r)
	case resultSynthesized:
		c.onSynthesized(t, r)
	case resultPlayed:
		c.onPlayed(t, r)
	}
}

func (c *Conversation) onGenerated(t *turn, r result) {
	if r.noSpeech {
		c.sessionEvent("no_speech")
		c.finishTurn(t, "no_speech", false)
		return
	}
	t.utt.RespondedAt = time.Now().UTC()
	if r.transcript != "" {
		t.utt.Transcript = r.transcript
	}
	if r.err != nil {
		c.providerError("generation", r.err)
		c.logger.Warn().Err(r.err).Str("turn_id", t.id).Msg("generation unavailable; using fallback line")
		c.indicator("fallback_line")
		t.utt.Text = FallbackLine
		t.utt.Fallback = true
		c.emitUtterance(t.utt)
		c.finishTurn(t, "fallback_line", true)
		return
	}

	t.utt.Text = r.text
	c.logger.Debug().Str("turn_id", t.id).Str("transcript", t.utt.Transcript).Str("reply", r.text).Msg("reply generated")
	c.emitUtterance(t.utt)
	go c.synthesize(t, r.text, c.voiceID)
}

func (c *Conversation) onSynthesized(t *turn, r result) {
	var done <-chan error
	switch {
	case r.err != nil || r.audio == nil:
		if r.err != nil {
			c.providerError("synthesis", r.err)
			c.logger.Warn().Err(r.err).Str("turn_id", t.id).Msg("synthesis failed; timed fallback")
			c.indicator("synthesis_failed")
		}
		d := FallbackDuration(t.utt.Text, c.cfg.Timing.FallbackPerChar, c.cfg.Timing.FallbackMin, c.cfg.Timing.FallbackMax)
		done = c.player.PlayTimedFallback(t.ctx, t.id, t.utt.Text, d)
		c.indicator("timed_fallback")
	default:
		t.utt.Audio = r.audio
		done = c.player.Play(t.ctx, t.id, *r.audio)
	}
	t.playing = true
	c.observeStage("speech_end_to_playback", time.Since(t.utt.CapturedAt))
	c.setState(StateSpeaking, t.id)
	go c.awaitPlayback(t, done)
}

func (c *Conversation) onPlayed(t *turn, r result) {
	outcome := "spoken"
	if t.utt.Audio == nil {
		outcome = "timed_fallback"
	}
	if r.err != nil {
		if errors.Is(r.err, errPlaybackTimeout) {
			c.player.Stop()
		}
		c.logger.Warn().Err(r.err).Str("turn_id", t.id).Msg("playback did not complete; resuming listening")
		outcome = "playback_failed"
	}
	t.playing = false
	c.finishTurn(t, outcome, true)
}

// finishTurn closes the turn, resumes listening, and hands a completed reply to the
// interaction log.
func (c *Conversation) finishTurn(t *turn, outcome string, record bool) {
	t.cancel()
	c.turn = nil
	if c.deps.Metrics != nil {
		c.deps.Metrics.TurnOutcomes.WithLabelValues(outcome).Inc()
	}
	if record {
		t.utt.CompletedAt = time.Now().UTC()
		utt := t.utt
		c.mu.Lock()
		c.last = &utt
		c.mu.Unlock()
	}
	c.setState(StateListening, t.id)
	if err := c.capture.Start(c.runCtx); err != nil {
		c.logger.Warn().Err(err).Msg("capture resume failed")
	}
	if record {
		c.deps.Recorder.Record(interaction.Interaction{
			ProfileID:  c.persona.ID,
			SessionID:  c.cfg.SessionID,
			TurnID:     t.utt.TurnID,
			Transcript: t.utt.Transcript,
			Response:   t.utt.Text,
			Fallback:   t.utt.Fallback,
			CreatedAt:  t.utt.CompletedAt,
		}, c.persona.EmergencyContact)
	}
}

func (c *Conversation) dropStale(r result) {
	stage := map[resultKind]string{
		resultGenerated:   "generation",
		resultSynthesized: "synthesis",
		resultPlayed:      "playback",
	}[r.kind]
	if c.deps.Metrics != nil {
		c.deps.Metrics.StaleResults.WithLabelValues(stage).Inc()
	}
	c.logger.Debug().Str("turn_id", r.turnID).Str("stage", stage).Msg("dropped stale result")
}

func (c *Conversation) setState(to State, turnID string) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	c.logger.Debug().Str("from", string(from)).Str("state", string(to)).Str("turn_id", turnID).Msg("state changed")
	if h := c.cfg.Hooks.OnStateChange; h != nil {
		h(from, to, turnID)
	}
}

func (c *Conversation) emitUtterance(u Utterance) {
	if h := c.cfg.Hooks.OnUtterance; h != nil {
		h(u)
	}
}

func (c *Conversation) notice(code, message string) {
	if h := c.cfg.Hooks.OnNotice; h != nil {
		h(code, message)
	}
}

func (c *Conversation) sessionEvent(event string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (c *Conversation) indicator(name string) {
	c.deps.Metrics.ObserveTurnIndicator(name)
}

func (c *Conversation) observeStage(stage string, d time.Duration) {
	c.deps.Metrics.ObserveTurnStage(stage, d)
}

func (c *Conversation) providerError(provider string, err error) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.ProviderErrors.WithLabelValues(provider, reliability.Classify(err)).Inc()
	}
}
