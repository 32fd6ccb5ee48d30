package core

import (
	"context"
	"fmt"
	"io"

	"scanqa/internal/conf"
	"scanqa/internal/infra/persistence/memory"
	"scanqa/internal/infra/persistence/postgres"
	"scanqa/internal/infra/persistence/sqlite"
	"scanqa/pkg/domain"
)

// OpenPersistentStore opens the entity store selected by cfg.Driver. The
// returned closer releases database handles; it is a no-op for memory.
func OpenPersistentStore(ctx context.Context, cfg conf.StorageSettings, engine *domain.RulesEngine) (domain.PersistentStore, io.Closer, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.NewStore(engine), nopCloser{}, nil
	case "sqlite":
		store, err := sqlite.NewStore(cfg.SQLitePath, engine)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store %s: %w", cfg.SQLitePath, err)
		}
		return store, store, nil
	case "postgres":
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, engine)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
