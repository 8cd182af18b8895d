package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/parley/internal/persist"
	"github.com/MikeSquared-Agency/parley/internal/persist/memory"
	"github.com/MikeSquared-Agency/parley/internal/persist/postgres"
	"github.com/MikeSquared-Agency/parley/internal/persist/sqlite"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

// openRepository picks a backend from DATABASE_URL: "memory", "sqlite:<path>"
// or a postgres connection string.
func openRepository(ctx context.Context, url string) (persist.Repository, error) {
	switch {
	case url == "":
		return nil, fmt.Errorf("DATABASE_URL is required")
	case url == "memory":
		return memory.New(), nil
	case strings.HasPrefix(url, "sqlite:"):
		return sqlite.Open(ctx, url)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return postgres.New(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %q", url)
	}
}
