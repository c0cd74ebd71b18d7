package voice

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/everloved/companion/internal/synth"
)

// State is the single authoritative state of one conversation.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
)

// FallbackLine substitutes for any generation failure.
const FallbackLine = "I'm having trouble connecting right now, but I'm here."

var (
	ErrCaptureUnsupported = errors.New("speech capture unsupported")
	ErrNoPersona          = errors.New("no persona available")
	ErrSessionActive      = errors.New("session already active")
	ErrPlaybackStopped    = errors.New("playback stopped")

	errPlaybackTimeout = errors.New("playback did not complete in time")
	errNotRunning      = errors.New("conversation is not running")
)

// Utterance is one completed exchange.
type Utterance struct {
	TurnID      string       `json:"turn_id"`
	Speaker     string       `json:"speaker"`
	Transcript  string       `json:"transcript"`
	Text        string       `json:"text"`
	Fallback    bool         `json:"fallback"`
	Audio       *synth.Audio `json:"-"`
	CapturedAt  time.Time    `json:"captured_at"`
	RespondedAt time.Time    `json:"responded_at,omitempty"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}

// FallbackDuration is how long text stays "spoken" when there is no audio:
// perChar per rune, clamped to [min, max].
func FallbackDuration(text string, perChar, min, max time.Duration) time.Duration {
	d := time.Duration(utf8.RuneCountInString(strings.TrimSpace(text))) * perChar
	if d < min {
		return min
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
