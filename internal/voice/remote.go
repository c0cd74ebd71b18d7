package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/everloved/companion/internal/protocol"
	"github.com/everloved/companion/internal/synth"
)

// RemoteCapture is a Capture whose microphone lives in the browser. Device control goes
// out as capture_control messages and speech events come back through Deliver.
type RemoteCapture struct {
	sessionID string
	send      func(any)
	events    chan CaptureEvent

	mu        sync.Mutex
	supported bool
	active    bool
}

func NewRemoteCapture(sessionID string, send func(any)) *RemoteCapture {
	return &RemoteCapture{
		sessionID: sessionID,
		send:      send,
		events:    make(chan CaptureEvent, 16),
		supported: true,
	}
}

// SetSupported records whether the browser reported working speech capture.
func (r *RemoteCapture) SetSupported(ok bool) {
	r.mu.Lock()
	r.supported = ok
	r.mu.Unlock()
}

func (r *RemoteCapture) Events() <-chan CaptureEvent { return r.events }

func (r *RemoteCapture) Start(context.Context) error {
	r.mu.Lock()
	if !r.supported {
		r.mu.Unlock()
		return ErrCaptureUnsupported
	}
	r.active = true
	r.mu.Unlock()
	r.control(protocol.ActionStart)
	return nil
}

func (r *RemoteCapture) Pause() error {
	if r.release() {
		r.control(protocol.ActionPause)
	}
	return nil
}

func (r *RemoteCapture) Stop() error {
	r.release()
	r.control(protocol.ActionStop)
	return nil
}

func (r *RemoteCapture) release() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.active
	r.active = false
	return was
}

func (r *RemoteCapture) control(action string) {
	r.send(protocol.CaptureControl{Type: protocol.TypeCaptureControl, SessionID: r.sessionID, Action: action})
}

// Deliver forwards a browser capture message as a CaptureEvent.
func (r *RemoteCapture) Deliver(ctx context.Context, msg any) error {
	ev := CaptureEvent{At: time.Now().UTC()}
	switch m := msg.(type) {
	case protocol.ClientSpeechStart:
		ev.Type = CaptureSpeechStart
	case protocol.ClientSpeechEnd:
		ev.Type = CaptureSpeechEnd
		ev.Text = m.Text
		if m.AudioBase64 != "" {
			audio, err := base64.StdEncoding.DecodeString(m.AudioBase64)
			if err != nil {
				return fmt.Errorf("decode speech audio: %w", err)
			}
			ev.Audio = audio
			ev.MimeType = m.MimeType
		}
	case protocol.ClientCaptureError:
		ev.Type = CaptureError
		ev.Reason = m.Reason
	default:
		return fmt.Errorf("not a capture message: %T", msg)
	}
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemotePlayer plays audio in the browser. Audio playback completes when the client
// reports client_playback_done; timed fallback is clocked on the server.
type RemotePlayer struct {
	sessionID string
	send      func(any)

	mu      sync.Mutex
	turnID  string
	pending chan error
	stop    chan struct{}
}

func NewRemotePlayer(sessionID string, send func(any)) *RemotePlayer {
	return &RemotePlayer{sessionID: sessionID, send: send}
}

func (p *RemotePlayer) Play(_ context.Context, turnID string, audio synth.Audio) <-chan error {
	done := make(chan error, 1)
	p.mu.Lock()
	p.turnID = turnID
	p.pending = done
	p.stop = nil
	p.mu.Unlock()

	p.send(protocol.PlaybackStart{
		Type:        protocol.TypePlaybackStart,
		SessionID:   p.sessionID,
		TurnID:      turnID,
		Mode:        protocol.PlaybackModeAudio,
		MimeType:    audio.MimeType,
		AudioBase64: base64.StdEncoding.EncodeToString(audio.Data),
	})
	return done
}

func (p *RemotePlayer) PlayTimedFallback(ctx context.Context, turnID, text string, d time.Duration) <-chan error {
	stop := make(chan struct{})
	p.mu.Lock()
	p.turnID = turnID
	p.pending = nil
	p.stop = stop
	p.mu.Unlock()

	p.send(protocol.PlaybackStart{
		Type:       protocol.TypePlaybackStart,
		SessionID:  p.sessionID,
		TurnID:     turnID,
		Mode:       protocol.PlaybackModeTimed,
		Text:       text,
		DurationMS: d.Milliseconds(),
	})
	return timed(ctx, d, stop)
}

// Complete resolves the audio playback for turnID. Reports for any other turn are ignored.
func (p *RemotePlayer) Complete(turnID, status, detail string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil || turnID != p.turnID {
		return false
	}
	var err error
	if status != protocol.PlaybackCompleted {
		err = errors.New("client playback failed: " + detail)
	}
	p.pending <- err
	p.pending = nil
	return true
}

func (p *RemotePlayer) Stop() {
	p.mu.Lock()
	turnID := p.turnID
	if p.pending != nil {
		p.pending <- ErrPlaybackStopped
		p.pending = nil
	}
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.turnID = ""
	p.mu.Unlock()

	p.send(protocol.PlaybackStop{Type: protocol.TypePlaybackStop, SessionID: p.sessionID, TurnID: turnID})
}
