package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // postgres driver
)

// PostgresStore implements Store using PostgreSQL. The kv_entries table is
// created by the migrations in pkg/database/migrate.
type PostgresStore struct {
	db       *sql.DB
	ownsConn bool
}

// NewPostgresStore wraps an existing database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreDSN opens a new connection from a DSN and verifies it.
func NewPostgresStoreDSN(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("kvstore: postgres backend requires a DSN")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{db: db, ownsConn: true}, nil
}

// DB exposes the underlying handle for migrations and shared collaborators.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Get retrieves the value for a key. Returns nil, nil if absent.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return value, nil
}

// Set stores a value under a key.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Remove deletes a key.
func (s *PostgresStore) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the connection if this store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsConn {
		return s.db.Close()
	}
	return nil
}

// Verify interface compliance.
var _ Store = (*PostgresStore)(nil)
