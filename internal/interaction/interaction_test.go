package interaction

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRecentReturnsTail(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	for _, text := range []string{"one", "two", "three"} {
		require.NoError(t, store.Save(ctx, Interaction{ProfileID: "p1", Transcript: text}))
	}
	require.NoError(t, store.Save(ctx, Interaction{ProfileID: "p2", Transcript: "other"}))

	got, err := store.Recent(ctx, "p1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Transcript)
	assert.Equal(t, "three", got[1].Transcript)
	assert.NotEmpty(t, got[0].ID)

	none, err := store.Recent(ctx, "missing", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteStoreChronological(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, Interaction{ProfileID: "p1", Transcript: "first", Response: "hello", CreatedAt: base}))
	require.NoError(t, store.Save(ctx, Interaction{ProfileID: "p1", Transcript: "second", Fallback: true, CreatedAt: base.Add(time.Second)}))

	got, err := store.Recent(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Transcript)
	assert.Equal(t, "second", got[1].Transcript)
	assert.True(t, got[1].Fallback)
	assert.True(t, got[0].CreatedAt.Equal(base))
}

func TestRecorderRedactsBeforeSaving(t *testing.T) {
	store := NewInMemoryStore()
	rec := NewRecorder(store, zerolog.Nop())

	rec.Record(Interaction{ProfileID: "p1", Transcript: "call me on +1 (555) 123-9876, or ask Anne Smith", Response: "of course"}, "Anne Smith")
	rec.Wait()

	got, err := store.Recent(context.Background(), "p1", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Transcript, "[REDACTED_PHONE]")
	assert.Contains(t, got[0].Transcript, "[REDACTED_CONTACT]")
	assert.True(t, got[0].PIIRedacted)
}

type failingStore struct{ InMemoryStore }

func (*failingStore) Save(context.Context, Interaction) error { return errors.New("disk full") }

func TestRecorderSwallowsErrors(t *testing.T) {
	rec := NewRecorder(&failingStore{}, zerolog.Nop())
	require.NotPanics(t, func() {
		rec.Record(Interaction{ProfileID: "p1", Transcript: "hi"})
		rec.Wait()
	})
	var nilRec *Recorder
	require.NotPanics(t, func() { nilRec.Record(Interaction{ProfileID: "p1"}) })
}

type blockingStore struct {
	*InMemoryStore
	release chan struct{}
	saved   chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, record Interaction) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.saved <- struct{}{}
	return b.InMemoryStore.Save(ctx, record)
}

func TestRecorderDoesNotBlockOnSlowStore(t *testing.T) {
	store := &blockingStore{InMemoryStore: NewInMemoryStore(), release: make(chan struct{}), saved: make(chan struct{}, maxPendingSaves)}
	rec := NewRecorder(store, zerolog.Nop())

	started := time.Now()
	for i := 0; i < maxPendingSaves+3; i++ {
		rec.Record(Interaction{ProfileID: "p1", Transcript: "hello"})
	}
	require.Less(t, time.Since(started), 100*time.Millisecond)

	close(store.release)
	rec.Wait()
	require.Len(t, store.saved, maxPendingSaves)

	got, err := store.Recent(context.Background(), "p1", 50)
	require.NoError(t, err)
	assert.Len(t, got, maxPendingSaves)
}
