// Package storage persists finished episodes.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/boristopalov/parley/pkg/core"
)

var (
	// ErrNotFound is returned by Get for an unknown episode id
	ErrNotFound = errors.New("episode not found")
	// ErrInvalidInput is returned by Save for a nil episode or one without an id
	ErrInvalidInput = errors.New("invalid episode")
)

// Store saves and reads back episodes
type Store interface {
	core.EpisodeStore
	Get(ctx context.Context, id string) (*core.EpisodeLog, error)
	// List returns every episode carrying tag, oldest first. An empty tag
	// lists everything.
	List(ctx context.Context, tag string) ([]*core.EpisodeLog, error)
	Close() error
}

const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
	TypeSQL    = "sql"
)

// Config selects and configures a backend
type Config struct {
	Type string
	// Redis is required for TypeRedis
	Redis     *redis.Client
	KeyPrefix string
	// DSN is the SQLite database for TypeSQL
	DSN string
}

// New opens the backend named by cfg.Type
func New(cfg Config, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryStore(), nil
	case TypeRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis store: no client")
		}
		return NewRedisStore(cfg.Redis, cfg.KeyPrefix, logger), nil
	case TypeSQL:
		return OpenSQLStore(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

func validate(ep *core.EpisodeLog) error {
	if ep == nil || ep.ID == "" {
		return ErrInvalidInput
	}
	return nil
}
