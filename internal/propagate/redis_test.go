package propagate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slot-claims/backend/internal/storage/models"
)

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())

	c := NewRedisCache(rdb, WithRedisPrefix("test:"+uuid.NewString()), WithRedisTTL(time.Minute))
	view := &View{
		Key:       BookingKey("r1"),
		Claims:    []models.ClaimedItem{{ID: "c1", Status: models.ClaimStatusApproved}},
		FetchedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	require.NoError(t, c.Set(ctx, view))

	got, ok, err := c.Get(ctx, view.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c1", got.Claims[0].ID)
	assert.True(t, view.FetchedAt.Equal(got.FetchedAt))

	require.NoError(t, c.Delete(ctx, view.Key))
	_, ok, err = c.Get(ctx, view.Key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "listings")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, &View{Key: "listings"}))
	_, ok, _ = c.Get(ctx, "listings")
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "listings", "missing"))
	_, ok, _ = c.Get(ctx, "listings")
	assert.False(t, ok)
}
