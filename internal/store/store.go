// Package store provides the key-value persistence used for day states and the
// API credential. Values are read and written whole; there are no partial updates.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/stellarlinkco/memtab/internal/config"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("store: key not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// Open builds the backend selected in cfg.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return NewSQLite(cfg.SQLitePath())
	case "redis":
		return NewRedis(ctx, cfg.RedisURL, cfg.Prefix)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
