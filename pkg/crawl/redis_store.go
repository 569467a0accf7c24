package crawl

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const checkpointKeyPrefix = "pid:checkpoint:"

// RedisStore implements Store on Redis, for operators who run crawls
// from ephemeral hosts and keep progress in shared infrastructure.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

func checkpointKey(prefix string) string {
	return checkpointKeyPrefix + prefix
}

// Load retrieves the checkpoint for a prefix, or an empty checkpoint if
// none exists.
func (s *RedisStore) Load(ctx context.Context, prefix string) (Checkpoint, error) {
	data, err := s.redis.Get(ctx, checkpointKey(prefix)).Bytes()
	if err == redis.Nil {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Save persists the checkpoint. A Redis SET is atomic by itself; no
// expiry is applied since an interrupted crawl may resume much later.
func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, checkpointKey(cp.Prefix), data, 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint on crawl completion.
func (s *RedisStore) Clear(ctx context.Context, prefix string) error {
	if err := s.redis.Del(ctx, checkpointKey(prefix)).Err(); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
