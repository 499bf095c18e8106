package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisStore creates a test Redis server using miniredis.
func setupRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	store := &RedisStore{
		client:    client,
		logger:    zerolog.Nop(),
		retention: time.Hour,
		now:       time.Now,
	}
	t.Cleanup(func() { _ = store.Close() })

	return mr, store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	_, store := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, Record{
		Key:          "order:shop1:42:confirm:v1",
		InstanceName: "shop1",
	}))

	rec, ok, err := store.Get(ctx, "order:shop1:42:confirm:v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, rec.Status)
	assert.Equal(t, "shop1", rec.InstanceName)

	queued, err := store.IsQueued(ctx, "order:shop1:42:confirm:v1", time.Hour)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestRedisStoreSentNeverRegresses(t *testing.T) {
	_, store := setupRedisStore(t)
	ctx := context.Background()
	key := "order:shop1:7:ship:v1"

	require.NoError(t, store.Upsert(ctx, Record{Key: key, InstanceName: "shop1"}))
	require.NoError(t, store.MarkSent(ctx, key, "prov-9"))
	require.NoError(t, store.MarkFailed(ctx, key, "late failure"))

	rec, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusSent, rec.Status)
	assert.Equal(t, "prov-9", rec.ProviderMessageID)
	assert.Empty(t, rec.Error)
}

func TestRedisStoreRetentionTTL(t *testing.T) {
	mr, store := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, Record{Key: "expiring", InstanceName: "shop1"}))

	_, ok, err := store.Get(ctx, "expiring")
	require.NoError(t, err)
	require.True(t, ok)

	// Fast-forward time in miniredis past the retention window.
	mr.FastForward(2 * time.Hour)

	_, ok, err = store.Get(ctx, "expiring")
	require.NoError(t, err)
	assert.False(t, ok, "record expires with its TTL")
}

func TestRedisStoreDeleteByInstance(t *testing.T) {
	_, store := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, Record{Key: "a1", InstanceName: "shop-a"}))
	require.NoError(t, store.Upsert(ctx, Record{Key: "a2", InstanceName: "shop-a"}))
	require.NoError(t, store.Upsert(ctx, Record{Key: "b1", InstanceName: "shop-b"}))

	removed, err := store.DeleteByInstance(ctx, "shop-a")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisStoreCleanupIsDelegated(t *testing.T) {
	_, store := setupRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, Record{Key: "k1"}))

	removed, err := store.Cleanup(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.Zero(t, removed, "expiry belongs to the server, not the sweep")

	_, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
}
