package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/syntonia/internal/config"
	"github.com/mtzanidakis/syntonia/internal/memory"
	"github.com/mtzanidakis/syntonia/internal/redisstore"
	"github.com/mtzanidakis/syntonia/internal/store"
	"github.com/mtzanidakis/syntonia/internal/vault"
)

// openBackend returns the memory backend selected by memory.driver, wrapped
// in the vault when a passphrase is configured. db serves the sqlite driver.
func openBackend(ctx context.Context, cfg *config.Config, db *store.Store) (memory.Backend, func(), error) {
	var (
		backend memory.Backend
		closeFn = func() {}
	)

	switch cfg.Memory.Driver {
	case "sqlite":
		backend = db
	case "redis":
		rs, err := redisstore.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis: %w", err)
		}
		backend = rs
		closeFn = func() { _ = rs.Close() }
		slog.Info("redis memory backend", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
	case "none":
		backend = memory.NopBackend{}
	default:
		return nil, nil, fmt.Errorf("unknown memory driver %q", cfg.Memory.Driver)
	}

	if cfg.Memory.Passphrase != "" {
		v, err := vault.New(cfg.Memory.Passphrase)
		if err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("init vault: %w", err)
		}
		backend = vault.NewBackend(backend, v)
		slog.Info("memory encryption enabled")
	}
	return backend, closeFn, nil
}
