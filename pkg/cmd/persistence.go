// Package cmd provides common initialization for the scriptor binaries.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scriptorhq/scriptor/pkg/persistence"
	"github.com/scriptorhq/scriptor/pkg/persistence/file"
	"github.com/scriptorhq/scriptor/pkg/persistence/postgres"
	"github.com/scriptorhq/scriptor/pkg/persistence/redis"
)

// NewPersistence builds the workflow store for a database URL. file:// URLs
// (and bare paths) get the JSON file store, redis:// URLs the Redis store
// and postgres:// URLs the PostgreSQL store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return postgres.NewPersistence(ctx, logger, databaseURL)
	case strings.HasPrefix(databaseURL, "redis://"), strings.HasPrefix(databaseURL, "rediss://"):
		return redis.NewPersistence(databaseURL)
	case strings.HasPrefix(databaseURL, "file://"), !strings.Contains(databaseURL, "://"):
		return file.NewPersistence(databaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported database url: %s", databaseURL)
	}
}
