package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/trogers1052/governance-service/internal/kvstore"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(uri)
	require.NoError(t, err)

	rdb := goredis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromClient(rdb, "test:")
}

func TestClient_StoreContract(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, kvstore.ErrMiss)

	require.NoError(t, c.Set(ctx, "cycle_state", []byte(`{"stale":false}`), time.Minute))
	got, err := c.Get(ctx, "cycle_state")
	require.NoError(t, err)
	assert.JSONEq(t, `{"stale":false}`, string(got))

	require.NoError(t, c.Invalidate(ctx, "cycle_state"))
	_, err = c.Get(ctx, "cycle_state")
	assert.ErrorIs(t, err, kvstore.ErrMiss)
}

func TestClient_IncrSetsTTLOnce(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "rl:10.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Incr(ctx, "rl:10.0.0.1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ttl, err := c.rdb.TTL(ctx, "test:rl:10.0.0.1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestClient_IncrRepairsCounterWithoutTTL(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	// A counter left behind without an expiry.
	require.NoError(t, c.rdb.Set(ctx, "test:rl:10.0.0.2", 4, 0).Err())

	n, err := c.Incr(ctx, "rl:10.0.0.2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	ttl, err := c.rdb.TTL(ctx, "test:rl:10.0.0.2").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestClient_IncrDoesNotExtendWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.Incr(ctx, "rl:10.0.0.3", 30*time.Second)
	require.NoError(t, err)
	_, err = c.Incr(ctx, "rl:10.0.0.3", time.Hour)
	require.NoError(t, err)

	ttl, err := c.rdb.TTL(ctx, "test:rl:10.0.0.3").Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 30*time.Second)
}
