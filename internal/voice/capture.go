package voice

import (
	"context"
	"strings"
	"time"
)

type CaptureEventType string

const (
	CaptureSpeechStart CaptureEventType = "speech_start"
	CaptureSpeechEnd   CaptureEventType = "speech_end"
	CaptureError       CaptureEventType = "error"
)

// CaptureEvent is emitted by a capture adapter. A speech_end with neither Text nor
// Audio means the listening window closed with no speech.
type CaptureEvent struct {
	Type     CaptureEventType
	Text     string
	Audio    []byte
	MimeType string
	Reason   string
	At       time.Time
}

func (e CaptureEvent) empty() bool {
	return len(e.Audio) == 0 && strings.TrimSpace(e.Text) == ""
}

// Capture wraps a microphone source. Start acquires the device; Pause and Stop release it.
// Implementations must tolerate Pause or Stop when already released.
type Capture interface {
	Events() <-chan CaptureEvent
	Start(ctx context.Context) error
	Pause() error
	Stop() error
}
