package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("no verdict recorded")

// Cache abstracts the Redis operations used by the latest-verdict cache.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// LatestVerdictCache keeps the most recent verdict of each session so other
// processes can read it without talking to the controller.
type LatestVerdictCache struct {
	cache Cache
	ttl   time.Duration
	retry retrier
}

func NewLatestVerdictCache(cache Cache, ttl time.Duration, logger *zap.Logger) *LatestVerdictCache {
	return &LatestVerdictCache{
		cache: cache,
		ttl:   ttl,
		retry: defaultRetrier(logger.Named("redis_sink")),
	}
}

func (c *LatestVerdictCache) Name() string { return "redis" }

func latestKey(sessionID string) string {
	return fmt.Sprintf("facecheck:verdict:%s", sessionID)
}

func (c *LatestVerdictCache) Record(ctx context.Context, rec VerdictRecord) error {
	serialized, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.retry.do(ctx, "cache.set.verdict", rec.SessionID, func() error {
		return c.cache.Set(ctx, latestKey(rec.SessionID), string(serialized), c.ttl)
	})
}

// Latest returns the cached verdict of a session, or ErrNotFound.
func (c *LatestVerdictCache) Latest(ctx context.Context, sessionID string) (*VerdictRecord, error) {
	var raw string
	err := c.retry.do(ctx, "cache.get.verdict", sessionID, func() error {
		value, err := c.cache.Get(ctx, latestKey(sessionID))
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec VerdictRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode cached verdict: %w", err)
	}
	return &rec, nil
}
