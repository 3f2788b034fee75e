package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/callflow/pkg/session"
)

// NewSessionStore selects where call sessions live: memory:// for a single process or
// redis://host:port/db to share sessions between instances. terminalTTL is how long Redis
// keeps finished sessions.
func NewSessionStore(ctx context.Context, logger *slog.Logger, storeURL string, terminalTTL time.Duration) (session.Store, error) {
	provider, _ := parsePersistenceProvider(storeURL)

	switch provider {
	case "memory":
		return session.NewMemoryStore(), nil
	case "redis", "rediss":
		store, err := session.NewRedisStore(ctx, storeURL, terminalTTL, logger)
		if err != nil {
			return nil, err
		}

		return store, nil
	default:
		return nil, fmt.Errorf("%w: session store %q", ErrUnsupportedProvider, storeURL)
	}
}
