package redis_test

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	redisadapter "github.com/robertarktes/seat-holds/internal/adapters/redis"
	"github.com/robertarktes/seat-holds/internal/observability"
)

func startRedis(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	addr, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestShowLock(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	lock := redisadapter.NewShowLock(client, 500*time.Millisecond, observability.NewNopLogger())

	t.Run("second holder is refused", func(t *testing.T) {
		token, err := lock.TryLock(ctx, "s1")
		require.NoError(t, err)

		_, err = lock.TryLock(ctx, "s1")
		assert.ErrorIs(t, err, redisadapter.ErrLockNotAcquired)

		assert.ErrorIs(t, lock.Unlock(ctx, "s1", "someone-else"), redisadapter.ErrLockNotOwned)
		require.NoError(t, lock.Unlock(ctx, "s1", token))
	})

	t.Run("lock waits for release", func(t *testing.T) {
		release, err := lock.Lock(ctx, "s2")
		require.NoError(t, err)
		go func() {
			time.Sleep(100 * time.Millisecond)
			release()
		}()

		start := time.Now()
		release2, err := lock.Lock(ctx, "s2")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		release2()
	})

	t.Run("gives up after ttl", func(t *testing.T) {
		_, err := lock.TryLock(ctx, "s3")
		require.NoError(t, err)
		// The key expires after the ttl too, so hold it artificially.
		client.Persist(ctx, "lock:show:s3")

		_, err = lock.Lock(ctx, "s3")
		assert.ErrorIs(t, err, redisadapter.ErrLockNotAcquired)
	})
}

func TestCacheAndIdempotency(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	cache := redisadapter.NewCache(client)
	require.NoError(t, cache.Ping(ctx))
	for i := int64(1); i <= 3; i++ {
		n, err := cache.Incr(ctx, "rl:test", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	ttl := client.TTL(ctx, "rl:test").Val()
	assert.Greater(t, ttl, time.Duration(0))

	idemp := redisadapter.NewIdempotency(client)
	got, err := idemp.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, idemp.Set(ctx, "k1", redisadapter.IdempResponse{Status: 200, Result: []byte(`{"ok":true}`)}, time.Minute))
	got, err = idemp.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 200, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
}
