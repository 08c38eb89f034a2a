package memory

import (
	"context"
	"strings"
)

// NewStore picks Postgres when databaseURL is set, then Redis when redisURL
// is set, and falls back to an in-process store.
func NewStore(ctx context.Context, databaseURL, redisURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	if strings.TrimSpace(redisURL) != "" {
		return NewRedisStoreFromURL(ctx, redisURL)
	}
	return NewInMemoryStore(), nil
}
