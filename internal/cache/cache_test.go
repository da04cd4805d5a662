package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "prsnl:search:hybrid:abc", Key("search", "hybrid", "abc"))
	assert.Equal(t, "prsnl:search", Key("search", ""))
	assert.Equal(t, "prsnl", Key())
}

func TestDisabledCacheIsNoOp(t *testing.T) {
	c := New("")
	ctx := context.Background()

	assert.False(t, c.Enabled())
	assert.NoError(t, c.SetJSON(ctx, "k", map[string]int{"a": 1}, time.Minute))

	var out map[string]int
	err := c.GetJSON(ctx, "k", &out)
	assert.True(t, errors.Is(err, ErrMiss))

	n, err := c.DeleteByPrefix(ctx, "k")
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, c.Close())
}

// testCache connects to the Redis named by PRSNL_TEST_REDIS_ADDR, skipping
// when unset so the unit suite stays runnable without Redis.
func testCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("PRSNL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PRSNL_TEST_REDIS_ADDR not set; skipping Redis integration test")
	}
	c := New(addr)
	require.NoError(t, c.Ping(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRoundTrip(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()
	key := Key("test", "roundtrip")

	type payload struct {
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
	}
	in := payload{Title: "hello", Tags: []string{"a", "b"}}
	require.NoError(t, c.SetJSON(ctx, key, in, time.Minute))

	var out payload
	require.NoError(t, c.GetJSON(ctx, key, &out))
	assert.Equal(t, in, out)

	require.NoError(t, c.Delete(ctx, key))
	assert.True(t, errors.Is(c.GetJSON(ctx, key, &out), ErrMiss))
}

func TestDeleteByPrefix(t *testing.T) {
	c := testCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetJSON(ctx, Key("test", "prefix", "1"), 1, time.Minute))
	require.NoError(t, c.SetJSON(ctx, Key("test", "prefix", "2"), 2, time.Minute))
	require.NoError(t, c.SetJSON(ctx, Key("test", "other"), 3, time.Minute))

	n, err := c.DeleteByPrefix(ctx, Key("test", "prefix"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var out int
	require.NoError(t, c.GetJSON(ctx, Key("test", "other"), &out))
	assert.Equal(t, 3, out)
	_, _ = c.DeleteByPrefix(ctx, Key("test"))
}
