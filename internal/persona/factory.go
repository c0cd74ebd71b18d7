package persona

import (
	"context"

	"github.com/everloved/companion/internal/storage"
)

// NewStore picks a backend from the database URL: memory when empty, otherwise sqlite or postgres.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	kind, dsn, err := storage.Parse(databaseURL)
	if err != nil {
		return nil, err
	}
	switch kind {
	case storage.KindPostgres:
		return NewPostgresStore(ctx, dsn)
	case storage.KindSQLite:
		return NewSQLiteStore(ctx, dsn)
	default:
		return NewInMemoryStore(), nil
	}
}
