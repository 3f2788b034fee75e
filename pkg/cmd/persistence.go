// Package cmd provides the backend factories shared by command-line applications.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/callflow/pkg/persistence"
	"github.com/dukex/callflow/pkg/persistence/file"
	"github.com/dukex/callflow/pkg/persistence/memory"
	"github.com/dukex/callflow/pkg/persistence/postgresql"
)

var ErrUnsupportedProvider = errors.New("unsupported provider")

var supportedPersistenceProviders = []string{"memory", "file", "postgres", "postgresql"}

// NewPersistence selects the persistence backend from the URL scheme: memory://,
// file:///path or postgres://... A bare path is treated as a file root.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, location := parsePersistenceProvider(databaseURL)

	switch provider {
	case "memory":
		return memory.NewPersistence(), nil
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return p, nil
	case "file":
		if location == "" {
			return nil, fmt.Errorf("%w: file persistence needs a path", ErrUnsupportedProvider)
		}

		return file.NewPersistence(location), nil
	default:
		return nil, fmt.Errorf("%w: persistence %q (supported: %s)",
			ErrUnsupportedProvider, provider, strings.Join(supportedPersistenceProviders, ", "))
	}
}

func parsePersistenceProvider(databaseURL string) (string, string) {
	provider, location, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file", databaseURL
	}

	return provider, location
}
