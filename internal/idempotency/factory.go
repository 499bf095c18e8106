// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package idempotency

import (
	"fmt"

	"github.com/michaelasham/wa-hub-sub000/internal/config"
)

// Open constructs the store selected by cfg.Backend. The file backend
// is the default; memory suits tests and throwaway deployments.
func Open(cfg config.IdempotencyConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.FilePath, cfg.FlushDebounce), nil
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.SQLitePath)
	case "redis":
		return NewRedisStore(RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			Retention: cfg.Retention,
		})
	default:
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
	}
}
