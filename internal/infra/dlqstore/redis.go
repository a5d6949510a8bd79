package dlqstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/minhvu/mapflow/internal/core/domain"
)

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore persists entries in Redis: a sorted set keyed by the id's
// timestamp prefix preserves enqueue order, one string key per entry holds
// the JSON document.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mapflow"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) queueKey() string {
	return fmt.Sprintf("%s:dlq:queue", s.prefix)
}

func (s *RedisStore) entryKey(id string) string {
	return fmt.Sprintf("%s:dlq:entry:%s", s.prefix, id)
}

func (s *RedisStore) Save(ctx context.Context, entry *domain.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if err := s.rdb.Set(ctx, s.entryKey(entry.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set entry: %w", err)
	}

	// Score by the id's timestamp prefix so LoadAll preserves enqueue order.
	if err := s.rdb.ZAdd(ctx, s.queueKey(), redis.Z{
		Score:  float64(idTimestamp(entry.ID)),
		Member: entry.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add entry to queue index: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.ZRem(ctx, s.queueKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to remove entry from queue index: %w", err)
	}
	if err := s.rdb.Del(ctx, s.entryKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadAll(ctx context.Context) ([]*domain.Entry, error) {
	ids, err := s.rdb.ZRange(ctx, s.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	entries := make([]*domain.Entry, 0, len(ids))
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, s.entryKey(id)).Bytes()
		if err == redis.Nil {
			// Entry key gone but id still indexed; drop the dangling index.
			s.rdb.ZRem(ctx, s.queueKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get entry %s: %w", id, err)
		}

		var entry domain.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
