// Package store provides the key/value backends the recordings catalog
// persists to.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/audiolibrelab/voicenotes/internal/config"
)

// Backend names accepted in storage.backend
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

var ErrInvalidKey = errors.New("invalid store key")

// Store is a durable byte store addressed by key.
// Get returns nil data and a nil error for a key that was never written.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Open builds the backend selected by cfg
func Open(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	backend := strings.ToLower(cfg.Backend)
	if backend == "" {
		backend = BackendFile
	}
	slog.Debug("Opening store", "backend", backend, "path", cfg.Path)

	switch backend {
	case BackendFile:
		return NewFileStore(cfg.Path)
	case BackendSQLite:
		return NewSQLiteStore(ctx, cfg.Path)
	case BackendRedis:
		return NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix), nil
	case BackendS3:
		return NewS3Store(ctx, cfg.S3)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
