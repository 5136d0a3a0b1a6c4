package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/boristopalov/parley/pkg/core"
)

const defaultKeyPrefix = "parley:"

// RedisStore writes each episode as JSON under <prefix>episode:<id> and
// indexes ids in the lists <prefix>episodes and <prefix>tag:<tag>.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_store")),
	}
}

func (s *RedisStore) episodeKey(id string) string { return s.prefix + "episode:" + id }
func (s *RedisStore) allKey() string              { return s.prefix + "episodes" }
func (s *RedisStore) tagKey(tag string) string    { return s.prefix + "tag:" + tag }

func (s *RedisStore) Save(ctx context.Context, ep *core.EpisodeLog) error {
	if err := validate(ep); err != nil {
		return err
	}
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("failed to marshal episode: %w", err)
	}

	exists, err := s.client.Exists(ctx, s.episodeKey(ep.ID)).Result()
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.episodeKey(ep.ID), data, 0)
	if exists == 0 {
		pipe.RPush(ctx, s.allKey(), ep.ID)
		if ep.Tag != "" {
			pipe.RPush(ctx, s.tagKey(ep.Tag), ep.ID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	s.logger.Debug("episode saved", zap.String("episode", ep.ID))
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*core.EpisodeLog, error) {
	data, err := s.client.Get(ctx, s.episodeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (s *RedisStore) List(ctx context.Context, tag string) ([]*core.EpisodeLog, error) {
	key := s.allKey()
	if tag != "" {
		key = s.tagKey(tag)
	}
	ids, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*core.EpisodeLog, 0, len(ids))
	for _, id := range ids {
		ep, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("indexed episode is missing", zap.String("episode", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// Close is a no-op; the client belongs to the caller
func (s *RedisStore) Close() error { return nil }
