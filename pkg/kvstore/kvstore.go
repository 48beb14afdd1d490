// Package kvstore provides the key-value persistence layer used by the
// coordinator and monitor for session state. It defines the Store interface
// and backends for memory, file, Redis, SQLite, and PostgreSQL.
package kvstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable indicates the backing store could not be reached.
// Callers are expected to degrade to in-memory operation rather than fail.
var ErrUnavailable = errors.New("kvstore: store unavailable")

// Store defines the interface for key-value persistence.
// Get returns nil, nil for a missing key.
type Store interface {
	// Get retrieves the value for a key. Returns nil, nil if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value under a key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes a key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}

// Config selects and configures a storage backend.
type Config struct {
	// Backend is one of "memory", "file", "redis", "sqlite", "postgres".
	Backend string

	// Path is the data file location for the file and sqlite backends.
	Path string

	// DSN is the connection string for the postgres backend.
	DSN string

	// Redis configures the redis backend.
	Redis RedisConfig
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// Open constructs the Store selected by cfg.Backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path)
	case "redis":
		return NewRedisStore(cfg.Redis)
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return NewPostgresStoreDSN(cfg.DSN)
	default:
		return nil, fmt.Errorf("kvstore: unknown backend %q", cfg.Backend)
	}
}
