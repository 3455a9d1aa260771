package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	redistest "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestLeaderElector_TryAcquire_SingleInstance(t *testing.T) {
	mr, rdb := setupMiniRedis(t)
	ctx := context.Background()

	elector := NewLeaderElector(rdb, "instance-1")

	acquired, err := elector.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "first instance should acquire leadership")

	val, err := mr.Get(sourcesLeaderKey)
	require.NoError(t, err)
	assert.Equal(t, "instance-1", val)
	assert.Equal(t, leaderTTL, mr.TTL(sourcesLeaderKey))
}

func TestLeaderElector_TryAcquire_MultipleInstances(t *testing.T) {
	_, rdb := setupMiniRedis(t)
	ctx := context.Background()

	elector1 := NewLeaderElector(rdb, "instance-1")
	elector2 := NewLeaderElector(rdb, "instance-2")
	elector3 := NewLeaderElector(rdb, "instance-3")

	acquired1, err := elector1.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired1)

	acquired2, err := elector2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired2, "instance 2 should NOT become leader")

	acquired3, err := elector3.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired3, "instance 3 should NOT become leader")
}

func TestLeaderElector_Renew_Success(t *testing.T) {
	mr, rdb := setupMiniRedis(t)
	ctx := context.Background()

	elector := NewLeaderElector(rdb, "instance-1")
	acquired, err := elector.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(20 * time.Second)
	require.NoError(t, elector.Renew(ctx))
	assert.Equal(t, leaderTTL, mr.TTL(sourcesLeaderKey), "TTL should be refreshed")
}

func TestLeaderElector_Renew_LockLost(t *testing.T) {
	mr, rdb := setupMiniRedis(t)
	ctx := context.Background()

	elector := NewLeaderElector(rdb, "instance-1")
	acquired, err := elector.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(leaderTTL + time.Second)

	err = elector.Renew(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader lock lost")
}

func TestLeaderElector_Renew_LockStolen(t *testing.T) {
	_, rdb := setupMiniRedis(t)
	ctx := context.Background()

	elector1 := NewLeaderElector(rdb, "instance-1")
	acquired, err := elector1.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, rdb.Set(ctx, sourcesLeaderKey, "instance-2", leaderTTL).Err())

	err = elector1.Renew(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "leader lock stolen by instance-2")
}

func TestLeaderElector_Release(t *testing.T) {
	mr, rdb := setupMiniRedis(t)
	ctx := context.Background()

	elector1 := NewLeaderElector(rdb, "instance-1")
	elector2 := NewLeaderElector(rdb, "instance-2")

	acquired, err := elector1.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	// A non-leader release leaves the lock alone.
	require.NoError(t, elector2.Release(ctx))
	val, err := mr.Get(sourcesLeaderKey)
	require.NoError(t, err)
	assert.Equal(t, "instance-1", val)

	require.NoError(t, elector1.Release(ctx))
	assert.False(t, mr.Exists(sourcesLeaderKey))

	acquired, err = elector2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "instance 2 should take over immediately after release")
}

func TestLeaderElector_Failover_AfterTTLExpiry(t *testing.T) {
	mr, rdb := setupMiniRedis(t)
	ctx := context.Background()

	elector1 := NewLeaderElector(rdb, "instance-1")
	elector2 := NewLeaderElector(rdb, "instance-2")

	acquired, err := elector1.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(leaderTTL)

	acquired, err = elector2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "instance 2 should become leader after TTL expiry")
}

func TestLeaderElector_RealRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx := context.Background()
	container, err := redistest.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(connStr)
	require.NoError(t, err)
	rdb := goredis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	elector1 := NewLeaderElector(rdb, "instance-1")
	elector2 := NewLeaderElector(rdb, "instance-2")

	acquired, err := elector1.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, elector1.Renew(ctx))

	require.NoError(t, elector2.Release(ctx))
	acquired, err = elector2.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, elector1.Release(ctx))
	_, err = rdb.Get(ctx, sourcesLeaderKey).Result()
	assert.ErrorIs(t, err, goredis.Nil)
}
