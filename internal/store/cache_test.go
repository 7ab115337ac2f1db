package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/model"
)

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, "wg:"), mr
}

func exerciseCache(t *testing.T, c Cache) {
	ctx := context.Background()
	var v []string

	ok, err := c.Get(ctx, "peers:wg0:a", &v)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "peers:wg0:a", []string{"x"}, time.Minute))
	require.NoError(t, c.Set(ctx, "peers:wg0:b", []string{"y"}, time.Minute))
	require.NoError(t, c.Set(ctx, "peers:wg1:a", []string{"z"}, time.Minute))

	ok, err = c.Get(ctx, "peers:wg0:a", &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"x"}, v)

	require.NoError(t, c.Delete(ctx, "peers:wg0:a"))
	ok, _ = c.Get(ctx, "peers:wg0:a", &v)
	assert.False(t, ok)

	require.NoError(t, c.DeletePrefix(ctx, "peers:wg0:"))
	ok, _ = c.Get(ctx, "peers:wg0:b", &v)
	assert.False(t, ok)
	ok, _ = c.Get(ctx, "peers:wg1:a", &v)
	assert.True(t, ok)
}

func TestMemoryCache(t *testing.T) {
	exerciseCache(t, NewMemoryCache())
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	require.NoError(t, c.Set(context.Background(), "k", 1, time.Second))

	now = now.Add(2 * time.Second)
	var v int
	ok, err := c.Get(context.Background(), "k", &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache(t *testing.T) {
	c, _ := newRedisCache(t)
	exerciseCache(t, c)
}

func TestRedisCacheTTL(t *testing.T) {
	c, mr := newRedisCache(t)
	require.NoError(t, c.Set(context.Background(), "k", 1, time.Minute))
	assert.True(t, mr.Exists("wg:k"))
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("wg:k"))
}

func TestCachedInvalidation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c, _ := newRedisCache(t)
	cs := NewCached(s, c, time.Minute, zerolog.Nop())
	require.NoError(t, cs.EnsureTunnelTables(ctx, "wg0"))

	a := testPeer("pk-a", "a", "10.0.0.2/32")
	require.NoError(t, cs.UpsertPeer(ctx, "wg0", Active, &a))

	view, err := cs.ViewPeers(ctx, "wg0", Active)
	require.NoError(t, err)
	require.Len(t, view, 1)

	// A write behind the cache's back is not visible until the TTL.
	b := testPeer("pk-b", "b", "10.0.0.3/32")
	require.NoError(t, s.UpsertPeer(ctx, "wg0", Active, &b))
	view, err = cs.ViewPeers(ctx, "wg0", Active)
	require.NoError(t, err)
	assert.Len(t, view, 1)

	// Authoritative reads bypass the cache.
	list, err := cs.ListPeers(ctx, "wg0", Active)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// A write through the decorator invalidates the list view.
	a.Name = "renamed"
	require.NoError(t, cs.UpdatePeer(ctx, "wg0", Active, &a))
	view, err = cs.ViewPeers(ctx, "wg0", Active)
	require.NoError(t, err)
	assert.Len(t, view, 2)

	one, err := cs.ViewPeer(ctx, "wg0", Active, "pk-a")
	require.NoError(t, err)
	assert.Equal(t, "renamed", one.Name)

	require.NoError(t, cs.MovePeers(ctx, "wg0", Active, Restricted, []string{"pk-a"}))
	_, err = cs.ViewPeer(ctx, "wg0", Active, "pk-a")
	assert.ErrorIs(t, err, model.ErrNotFound)
	view, err = cs.ViewPeers(ctx, "wg0", Restricted)
	require.NoError(t, err)
	assert.Len(t, view, 1)
}

func TestViewWithoutCache(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureTunnelTables(ctx, "wg0"))
	a := testPeer("pk-a", "a", "10.0.0.2/32")
	require.NoError(t, s.UpsertPeer(ctx, "wg0", Active, &a))

	peers, err := View(s).ViewPeers(ctx, "wg0", Active)
	require.NoError(t, err)
	assert.Len(t, peers, 1)
}
