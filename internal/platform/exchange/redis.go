package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Getter is the slice of *redis.Client used by RedisSource.
type Getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisSource reads the rate from a string key kept current by an external
// price feed.
type RedisSource struct {
	client Getter
	key    string
}

func NewRedisSource(client Getter, key string) *RedisSource {
	return &RedisSource{client: client, key: key}
}

// NewRedisClient opens a client from a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisSource) Rate(ctx context.Context) (Rate, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return Rate{}, fmt.Errorf("redis key %s not set", s.key)
	}
	if err != nil {
		return Rate{}, fmt.Errorf("redis GET %s: %w", s.key, err)
	}
	return ParseRate(val)
}
