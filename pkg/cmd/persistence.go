// Package cmd provides common initialization functions for the binaries.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/promptforge/chainforge/pkg/persistence"
	"github.com/promptforge/chainforge/pkg/persistence/file"
	"github.com/promptforge/chainforge/pkg/persistence/postgresql"
	"github.com/promptforge/chainforge/pkg/persistence/redis"
)

// NewPersistence picks the run store from the database URL scheme:
// postgres:// and postgresql:// select Postgres, redis:// and rediss://
// select Redis, anything else is treated as a directory for the file store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.RunRepository, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case redis.ParseableURL(databaseURL):
		return redis.NewRunRepository(databaseURL)
	default:
		root := strings.TrimPrefix(databaseURL, "file://")

		return file.NewRunRepository(root), nil
	}
}
