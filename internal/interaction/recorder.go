package interaction

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/everloved/companion/internal/policy"
)

const maxPendingSaves = 8

// Recorder redacts and saves interactions in the background without ever failing
// or blocking the caller.
type Recorder struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration

	slots chan struct{}
	wg    sync.WaitGroup
}

func NewRecorder(store Store, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		logger:  logger.With().Str("component", "interaction").Logger(),
		timeout: 2 * time.Second,
		slots:   make(chan struct{}, maxPendingSaves),
	}
}

// Record redacts one turn and hands it to a background save. When maxPendingSaves
// saves are already in flight the record is dropped and logged.
func (r *Recorder) Record(record Interaction, literals ...string) {
	if r == nil || r.store == nil || record.ProfileID == "" {
		return
	}
	transcript, changedT := policy.RedactPII(record.Transcript, literals...)
	response, changedR := policy.RedactPII(record.Response, literals...)
	record.Transcript = transcript
	record.Response = response
	record.PIIRedacted = changedT || changedR

	select {
	case r.slots <- struct{}{}:
	default:
		r.logger.Warn().
			Str("session_id", record.SessionID).
			Str("turn_id", record.TurnID).
			Msg("interaction save backlog full; dropped")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.slots }()
		r.save(record)
	}()
}

// Wait blocks until every pending save has finished or timed out.
func (r *Recorder) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

func (r *Recorder) save(record Interaction) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.Save(ctx, record); err != nil {
		r.logger.Warn().Err(err).
			Str("session_id", record.SessionID).
			Str("turn_id", record.TurnID).
			Msg("interaction save failed")
	}
}
