package voice

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/everloved/companion/internal/audio"
	"github.com/everloved/companion/internal/synth"
)

func TestLineCaptureWithoutReaderIsUnsupported(t *testing.T) {
	require.ErrorIs(t, NewLineCapture(nil).Start(context.Background()), ErrCaptureUnsupported)
}

func TestLineCaptureEmitsUtterancePerLine(t *testing.T) {
	c := NewLineCapture(strings.NewReader("hello there\n"))
	require.NoError(t, c.Start(context.Background()))

	require.Equal(t, CaptureSpeechStart, (<-c.Events()).Type)
	ev := <-c.Events()
	require.Equal(t, CaptureSpeechEnd, ev.Type)
	require.Equal(t, "hello there", ev.Text)

	select {
	case <-c.EOF():
	case <-time.After(time.Second):
		t.Fatal("EOF not signalled")
	}
}

func TestLineCaptureDropsLinesWhilePaused(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := NewLineCapture(pr)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Pause())
	_, err := io.WriteString(pw, "dropped\n")
	require.NoError(t, err)
	// Returns only once the reader has moved past the dropped line.
	_, err = io.WriteString(pw, "\n")
	require.NoError(t, err)

	require.NoError(t, c.Start(ctx))
	_, err = io.WriteString(pw, "kept\n")
	require.NoError(t, err)

	for {
		select {
		case ev := <-c.Events():
			require.NotEqual(t, "dropped", ev.Text)
			if ev.Text == "kept" {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("kept line never arrived")
		}
	}
}

func TestConsolePlayerPlaysForClipLength(t *testing.T) {
	var out bytes.Buffer
	p := NewConsolePlayer(&out)

	clip := synth.Audio{Data: audio.Silence(20*time.Millisecond, audio.DefaultSampleRate), MimeType: audio.MimeWAV}
	started := time.Now()
	require.NoError(t, <-p.Play(context.Background(), "t1", clip))
	require.GreaterOrEqual(t, time.Since(started), 20*time.Millisecond)
	require.Contains(t, out.String(), "speaking audio/wav")
}

func TestConsolePlayerStop(t *testing.T) {
	var out bytes.Buffer
	p := NewConsolePlayer(&out)

	done := p.PlayTimedFallback(context.Background(), "t1", "hello", time.Minute)
	p.Stop()
	require.ErrorIs(t, <-done, ErrPlaybackStopped)
	require.Contains(t, out.String(), "showing text for 1m0s")
	p.Stop()
}
