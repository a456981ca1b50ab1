package stores

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Open creates and initializes the store selected by cfg.Backend.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Backend {
	case "", BackendSQLite:
		store, err = NewSQLiteStore(cfg)
	case BackendRedis:
		store, err = NewRedisStore(cfg)
	case BackendBadger:
		store, err = NewBadgerStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize %s store: %w", cfg.Backend, err)
	}
	return store, nil
}
