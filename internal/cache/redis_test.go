package cache

import (
	"context"
	"testing"
	"time"

	"example.com/eduwallet/services/partners/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDisabledCache(t *testing.T) {
	c, err := NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	require.False(t, c.Enabled())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))

	var out string
	require.ErrorIs(t, c.Get(ctx, "k", &out), ErrCacheMiss)
	require.True(t, c.Allow(ctx, uuid.New(), 1))
	require.NoError(t, c.Delete(ctx, "k"))
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Close())
}

func TestKeys(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	at := time.Unix(120, 0)

	require.Equal(t, "partner:00000000-0000-0000-0000-000000000001:courses", CourseListKey(id))
	require.Equal(t, "ratelimit:00000000-0000-0000-0000-000000000001:2", RateLimitKey(id, at))
	require.Equal(t, RateLimitKey(id, at), RateLimitKey(id, at.Add(59*time.Second)))
	require.NotEqual(t, RateLimitKey(id, at), RateLimitKey(id, at.Add(time.Minute)))
}
