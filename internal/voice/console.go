package voice

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/everloved/companion/internal/audio"
	"github.com/everloved/companion/internal/synth"
)

// LineCapture treats each line read from r as one utterance. Lines typed while capture
// is paused are dropped, the same way a released microphone hears nothing.
type LineCapture struct {
	events chan CaptureEvent
	eof    chan struct{}

	mu      sync.Mutex
	active  bool
	reading bool
	r       io.Reader
}

func NewLineCapture(r io.Reader) *LineCapture {
	return &LineCapture{events: make(chan CaptureEvent, 4), eof: make(chan struct{}), r: r}
}

func (l *LineCapture) Events() <-chan CaptureEvent { return l.events }

// EOF is closed when the reader is exhausted.
func (l *LineCapture) EOF() <-chan struct{} { return l.eof }

func (l *LineCapture) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.r == nil {
		return ErrCaptureUnsupported
	}
	l.active = true
	if !l.reading {
		l.reading = true
		go l.read(ctx)
	}
	return nil
}

func (l *LineCapture) Pause() error { return l.setActive(false) }

func (l *LineCapture) Stop() error { return l.setActive(false) }

func (l *LineCapture) setActive(v bool) error {
	l.mu.Lock()
	l.active = v
	l.mu.Unlock()
	return nil
}

func (l *LineCapture) read(ctx context.Context) {
	defer close(l.eof)
	scanner := bufio.NewScanner(l.r)
	for scanner.Scan() {
		l.mu.Lock()
		active := l.active
		l.mu.Unlock()
		if !active {
			continue
		}
		now := time.Now().UTC()
		for _, ev := range []CaptureEvent{
			{Type: CaptureSpeechStart, At: now},
			{Type: CaptureSpeechEnd, Text: scanner.Text(), At: now},
		} {
			select {
			case l.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// ConsolePlayer "plays" by waiting out the clip length and printing a marker.
type ConsolePlayer struct {
	w io.Writer

	mu   sync.Mutex
	stop chan struct{}
}

func NewConsolePlayer(w io.Writer) *ConsolePlayer {
	return &ConsolePlayer{w: w}
}

func (p *ConsolePlayer) Play(ctx context.Context, _ string, clip synth.Audio) <-chan error {
	d, ok := audio.WAVDuration(clip.Data)
	if !ok {
		// Assume 128 kbps MPEG.
		d = time.Duration(len(clip.Data)) * 8 * time.Second / 128000
	}
	fmt.Fprintf(p.w, "  (speaking %s, %s)\n", clip.MimeType, d.Round(time.Millisecond))
	return timed(ctx, d, p.arm())
}

func (p *ConsolePlayer) PlayTimedFallback(ctx context.Context, _, _ string, d time.Duration) <-chan error {
	fmt.Fprintf(p.w, "  (showing text for %s)\n", d.Round(time.Millisecond))
	return timed(ctx, d, p.arm())
}

func (p *ConsolePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *ConsolePlayer) arm() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop = make(chan struct{})
	return p.stop
}
