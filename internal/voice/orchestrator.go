package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/everloved/companion/internal/observability"
	"github.com/everloved/companion/internal/persona"
	"github.com/everloved/companion/internal/protocol"
	"github.com/everloved/companion/internal/session"
	"github.com/everloved/companion/internal/synth"
)

const outboundSendTimeout = 600 * time.Millisecond

type Options struct {
	Timing      Timing
	DemoPersona bool
}

// Orchestrator holds the collaborators shared by all sessions and runs one
// Conversation per connected patient view.
type Orchestrator struct {
	sessions *session.Manager
	deps     Deps
	opts     Options
	metrics  *observability.Metrics
	logger   zerolog.Logger

	mu     sync.Mutex
	active map[string]*Conversation
}

func NewOrchestrator(sessions *session.Manager, deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		deps:     deps,
		opts:     opts,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With().Str("component", "orchestrator").Logger(),
		active:   make(map[string]*Conversation),
	}
}

// NewConversation builds a conversation for sessionID with the shared collaborators.
func (o *Orchestrator) NewConversation(sessionID string, capture Capture, player Player, hooks Hooks) *Conversation {
	return NewConversation(ConversationConfig{
		SessionID:   sessionID,
		DemoPersona: o.opts.DemoPersona,
		Timing:      o.opts.Timing,
		Hooks:       hooks,
	}, o.deps, capture, player)
}

// RunConnection drives a session for one websocket connection until inbound closes or ctx ends.
// p may be nil when the session was created without a persona.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, p *persona.Persona, inbound <-chan any, outbound chan<- any) error {
	send := func(msg any) { o.send(outbound, msg) }
	capture := NewRemoteCapture(s.ID, send)
	player := NewRemotePlayer(s.ID, send)

	conv := o.NewConversation(s.ID, capture, player, Hooks{
		OnStateChange: func(from, to State, turnID string) {
			o.mirrorState(s.ID, from, to, turnID)
			send(protocol.StateChanged{
				Type:      protocol.TypeStateChanged,
				SessionID: s.ID,
				From:      string(from),
				State:     string(to),
				TurnID:    turnID,
			})
		},
		OnSpeechStart: func() { _ = o.sessions.Touch(s.ID) },
		OnUtterance: func(u Utterance) {
			send(protocol.CompanionUtterance{
				Type:       protocol.TypeCompanionUtterance,
				SessionID:  s.ID,
				TurnID:     u.TurnID,
				Speaker:    u.Speaker,
				Transcript: u.Transcript,
				Text:       u.Text,
				Fallback:   u.Fallback,
			})
		},
		OnNotice: func(code, message string) {
			send(protocol.Notice{Type: protocol.TypeNotice, SessionID: s.ID, Code: code, Message: message})
		},
	})

	if !o.register(s.ID, conv) {
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: s.ID,
			Code:      "session_connected_elsewhere",
			Source:    "session",
			Detail:    "another connection already drives this session",
		})
		return ErrSessionActive
	}
	defer o.unregister(s.ID, conv)

	if o.metrics != nil {
		o.metrics.ActiveSessions.Inc()
		defer o.metrics.ActiveSessions.Dec()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conv.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return o.pump(gctx, s, p, conv, capture, player, inbound, send)
	})
	return g.Wait()
}

func (o *Orchestrator) pump(
	ctx context.Context,
	s *session.Session,
	p *persona.Persona,
	conv *Conversation,
	capture *RemoteCapture,
	player *RemotePlayer,
	inbound <-chan any,
	send func(any),
) error {
	logger := o.logger.With().Str("session_id", s.ID).Logger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = o.sessions.Touch(s.ID)

			switch m := msg.(type) {
			case protocol.ClientControl:
				switch m.Action {
				case protocol.ActionStart:
					if cur, err := o.sessions.Get(s.ID); err != nil || cur.Status != session.StatusActive {
						logger.Info().Msg("start refused on ended session")
						send(protocol.ErrorEvent{
							Type:      protocol.TypeErrorEvent,
							SessionID: s.ID,
							Code:      "session_ended",
							Source:    "client_control",
							Detail:    "this session has ended; create a new session to talk again",
						})
						continue
					}
					if m.CaptureSupported != nil {
						capture.SetSupported(*m.CaptureSupported)
					}
					if err := conv.Start(ctx, p); err != nil {
						logger.Info().Err(err).Msg("conversation start refused")
						if errors.Is(err, ErrSessionActive) {
							send(protocol.ErrorEvent{
								Type:      protocol.TypeErrorEvent,
								SessionID: s.ID,
								Code:      "session_active",
								Source:    "client_control",
								Detail:    err.Error(),
							})
						}
					}
				case protocol.ActionEnd:
					conv.End(nonEmpty(m.Reason, "client"))
				}
			case protocol.ClientSpeechStart, protocol.ClientSpeechEnd, protocol.ClientCaptureError:
				if err := capture.Deliver(ctx, m); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					send(protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      "invalid_capture_payload",
						Source:    "capture",
						Detail:    err.Error(),
					})
				}
			case protocol.ClientPlaybackDone:
				if !player.Complete(m.TurnID, m.Status, m.Detail) {
					logger.Debug().Str("turn_id", m.TurnID).Msg("playback report for inactive turn ignored")
				}
			default:
				logger.Debug().Msgf("ignoring inbound %T", msg)
			}
		}
	}
}

// EndSession ends the live conversation for sessionID, if one is connected.
func (o *Orchestrator) EndSession(sessionID, reason string) bool {
	o.mu.Lock()
	conv := o.active[sessionID]
	o.mu.Unlock()
	if conv == nil {
		return false
	}
	conv.End(reason)
	return true
}

// State reports the conversation state of a connected session.
func (o *Orchestrator) State(sessionID string) (State, bool) {
	o.mu.Lock()
	conv := o.active[sessionID]
	o.mu.Unlock()
	if conv == nil {
		return StateIdle, false
	}
	return conv.State(), true
}

// PreviewVoice synthesizes a short sample in the persona's voice. It returns nil audio
// when synthesis is not configured.
func (o *Orchestrator) PreviewVoice(ctx context.Context, p persona.Persona, text string) (*synth.Audio, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = "Hello, it's " + p.Name + ". I'm right here with you."
	}
	return o.deps.Synthesizer.Synthesize(ctx, text, o.deps.Voices.ResolveVoice(p))
}

func (o *Orchestrator) register(id string, conv *Conversation) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.active[id]; exists {
		return false
	}
	o.active[id] = conv
	return true
}

func (o *Orchestrator) unregister(id string, conv *Conversation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[id] == conv {
		delete(o.active, id)
	}
}

func (o *Orchestrator) mirrorState(sessionID string, from, to State, turnID string) {
	_ = o.sessions.SetState(sessionID, string(to))
	switch {
	case to == StateThinking && turnID != "":
		_ = o.sessions.StartTurn(sessionID, turnID)
	case to == StateListening && turnID != "":
		_ = o.sessions.FinishTurn(sessionID, turnID)
	case to == StateIdle && from != StateListening:
		// Ended mid-turn.
		if s, err := o.sessions.Get(sessionID); err == nil && s.ActiveTurnID != "" {
			_ = o.sessions.FinishTurn(sessionID, s.ActiveTurnID)
		}
	}
}

// send delivers msg or gives up after outboundSendTimeout so a stalled socket never
// blocks the conversation loop.
func (o *Orchestrator) send(outbound chan<- any, msg any) {
	msgType := outboundMessageType(msg)
	timer := time.NewTimer(outboundSendTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		if o.metrics != nil {
			o.metrics.WSMessages.WithLabelValues("outbound", msgType).Inc()
		}
	case <-timer.C:
		if o.metrics != nil {
			o.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
		o.logger.Warn().Str("type", msgType).Msg("outbound message dropped")
	}
}

func outboundMessageType(msg any) string {
	switch m := msg.(type) {
	case protocol.StateChanged:
		return string(m.Type)
	case protocol.CaptureControl:
		return string(m.Type)
	case protocol.CompanionUtterance:
		return string(m.Type)
	case protocol.PlaybackStart:
		return string(m.Type)
	case protocol.PlaybackStop:
		return string(m.Type)
	case protocol.Notice:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
