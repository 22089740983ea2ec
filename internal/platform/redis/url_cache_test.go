package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cartesion-product/slide-svc/internal/config"
)

func newTestCache(t *testing.T) (*URLCache, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	cache, err := NewURLCache(context.Background(), config.RedisConfig{Addr: srv.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, srv
}

func TestURLCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	const storagePath = "kb-slide-shared/arxiv/doc-1/deck.pdf"
	const url = "https://storage.example/signed/deck.pdf"

	_, err := cache.Get(ctx, storagePath)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, storagePath, url, time.Hour))

	got, err := cache.Get(ctx, storagePath)
	require.NoError(t, err)
	assert.Equal(t, url, got)
}

func TestURLCacheExpiresBeforePresignLifetime(t *testing.T) {
	cache, srv := newTestCache(t)
	ctx := context.Background()

	const storagePath = "kb-infographic-shared/arxiv/doc-2/poster.png"
	require.NoError(t, cache.Set(ctx, storagePath, "https://storage.example/poster", time.Hour))

	ttl := srv.TTL(urlKey(storagePath))
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Hour-margin)

	// Advancing past the TTL evicts the entry well before the signature
	// itself would have expired.
	srv.FastForward(time.Hour - margin)
	_, err := cache.Get(ctx, storagePath)
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestURLCacheSkipsShortLifetimes(t *testing.T) {
	cache, srv := newTestCache(t)
	ctx := context.Background()

	const storagePath = "kb-slide-personal/user/doc/task/deck.pdf"
	require.NoError(t, cache.Set(ctx, storagePath, "https://storage.example/x", time.Minute))

	assert.False(t, srv.Exists(urlKey(storagePath)))
	_, err := cache.Get(ctx, storagePath)
	assert.ErrorIs(t, err, ErrCacheMiss)
}
