// Package kv provides the durable string key-value storage used to persist
// the session credential and the allow-listed store paths. The backend is
// selected once at startup; callers only see the Storage interface.
package kv

import (
	"context"
	"fmt"
	"io"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/Watchdog088/Test-apps-sub002/internal/config"
	svcerrors "github.com/Watchdog088/Test-apps-sub002/internal/errors"
	"github.com/Watchdog088/Test-apps-sub002/internal/kv/migrations"
)

// ErrNotFound is returned by Get when the key is absent. Compare with errors.Is.
var ErrNotFound = svcerrors.ErrNotFound

// Storage is a string-valued key-value store. Values are JSON documents
// produced by the caller.
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

func notFound(key string) error {
	return svcerrors.NotFound("key " + key).WithDetails("key", key)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the backend named by cfg.StorageBackend. The returned closer
// releases the underlying connection pool.
func Open(ctx context.Context, cfg *config.Config) (Storage, io.Closer, error) {
	switch cfg.StorageBackend {
	case "", config.BackendMemory:
		return NewMemory(), nopCloser{}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return NewRedis(client), client, nil

	case config.BackendPostgres:
		db, err := sqlx.ConnectContext(ctx, "postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := migrations.Apply(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		return NewPostgres(db), db, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
