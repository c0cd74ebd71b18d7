package voice

import (
	"context"
	"time"

	"github.com/everloved/companion/internal/synth"
)

// Player plays one clip or timed text at a time. Each returned channel yields exactly
// one value: nil on natural completion, an error otherwise. Stop halts whatever is playing.
type Player interface {
	Play(ctx context.Context, turnID string, audio synth.Audio) <-chan error
	PlayTimedFallback(ctx context.Context, turnID, text string, d time.Duration) <-chan error
	Stop()
}

// timed completes after d unless ctx ends or stop closes first.
func timed(ctx context.Context, d time.Duration, stop <-chan struct{}) <-chan error {
	done := make(chan error, 1)
	go func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			done <- nil
		case <-stop:
			done <- ErrPlaybackStopped
		case <-ctx.Done():
			done <- ctx.Err()
		}
	}()
	return done
}
