// Package redis provides a Redis-backed cache for presigned download URLs.
// Presigning is cheap but chatty; callers tend to poll download endpoints, so
// URLs are cached slightly shorter than their signature lifetime to guarantee
// a cached URL is never served after it expires.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Cartesion-product/slide-svc/internal/config"
)

// ErrCacheMiss is returned by Get when no URL is cached for the path.
var ErrCacheMiss = errors.New("url cache miss")

// margin is subtracted from the presign expiry when setting the cache TTL so
// entries always expire before the signature they hold.
const margin = 5 * time.Minute

// URLCache stores presigned download URLs keyed by storage path.
type URLCache struct {
	client *redis.Client
}

// NewURLCache connects to Redis and verifies the connection with a ping.
func NewURLCache(ctx context.Context, cfg config.RedisConfig) (*URLCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &URLCache{client: client}, nil
}

// Get returns the cached URL for the storage path, or ErrCacheMiss.
func (c *URLCache) Get(ctx context.Context, storagePath string) (string, error) {
	url, err := c.client.Get(ctx, urlKey(storagePath)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("failed to read url cache: %w", err)
	}
	return url, nil
}

// Set caches the URL for the storage path. expiry is the presign lifetime;
// the cache entry expires a margin earlier. Lifetimes at or below the margin
// are not cached at all.
func (c *URLCache) Set(ctx context.Context, storagePath, url string, expiry time.Duration) error {
	ttl := expiry - margin
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, urlKey(storagePath), url, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write url cache: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *URLCache) Close() error {
	return c.client.Close()
}

func urlKey(storagePath string) string {
	return fmt.Sprintf("presigned:%s", storagePath)
}
