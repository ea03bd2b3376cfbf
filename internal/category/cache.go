// internal/category/cache.go
package category

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/RegistryAccord/registryaccord-reports-go/internal/model"
)

// Cache holds the category list between store reads.
type Cache interface {
	// Get returns the cached list, or ok=false on a miss.
	Get(ctx context.Context) (cats []model.Category, ok bool, err error)
	Set(ctx context.Context, cats []model.Category, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

// NoopCache never holds anything. It is used when Redis is not configured.
type NoopCache struct{}

func (NoopCache) Get(context.Context) ([]model.Category, bool, error)        { return nil, false, nil }
func (NoopCache) Set(context.Context, []model.Category, time.Duration) error { return nil }
func (NoopCache) Invalidate(context.Context) error                           { return nil }

// DefaultCacheKey is the Redis key the category list is stored under.
const DefaultCacheKey = "reports:categories"

// RedisCache stores the category list as a JSON document in Redis.
type RedisCache struct {
	client *goredis.Client
	key    string
}

// NewRedisCache returns a cache backed by client.
func NewRedisCache(client *goredis.Client) *RedisCache {
	return &RedisCache{client: client, key: DefaultCacheKey}
}

func (c *RedisCache) Get(ctx context.Context) ([]model.Category, bool, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var cats []model.Category
	if err := json.Unmarshal(data, &cats); err != nil {
		return nil, false, err
	}
	return cats, true, nil
}

func (c *RedisCache) Set(ctx context.Context, cats []model.Category, ttl time.Duration) error {
	b, err := json.Marshal(cats)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, b, ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to ping redis", slog.String("addr", addr), slog.String("error", err.Error()))
		if cerr := rdb.Close(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	logger.Info("connected to redis", slog.String("addr", addr))
	return rdb, nil
}
