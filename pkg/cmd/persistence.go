package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowcore/pkg/persistence"
	"github.com/dukex/flowcore/pkg/persistence/memory"
	"github.com/dukex/flowcore/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"memory", "postgres", "postgresql"}

// NewPersistence opens the store named by the URL scheme: memory:// keeps everything in the
// process, postgres:// and postgresql:// connect to PostgreSQL.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgresql persistence: %w", err)
		}

		return store, nil
	case "memory":
		logger.WarnContext(ctx, "using in-memory persistence, state is lost on exit")

		return memory.NewPersistence(), nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider %q, want one of %v", provider, supportedPersistenceProviders)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return strings.ToLower(provider)
}
