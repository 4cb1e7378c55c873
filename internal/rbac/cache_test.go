package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authforge/auth-service/internal/store"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DisableIndentity: true})
	t.Cleanup(func() { client.Close() })
	return NewCache(client, 5*time.Minute, nil, nil), mr
}

func permSet(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func TestCachePutGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, hit, err := c.Get(ctx, "role-1")
	require.NoError(t, err)
	assert.False(t, hit)

	want := permSet("users:read", "roles:*")
	require.NoError(t, c.Put(ctx, "role-1", want))

	got, hit, err := c.Get(ctx, "role-1")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, want, got)
}

func TestCacheEntriesExpire(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "role-1", permSet("users:read")))
	mr.FastForward(6 * time.Minute)

	_, hit, err := c.Get(ctx, "role-1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCacheCorruptEntryBehavesLikeMiss(t *testing.T) {
	c, mr := newTestCache(t)

	require.NoError(t, mr.Set("role_permissions:role-1", "{not json"))

	_, hit, err := c.Get(context.Background(), "role-1")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestInvalidateSubtreeTakesOutDescendants(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	// root <- mid <- leaf, plus an unrelated role.
	root := "root"
	mid := "mid"
	c.RebuildIndex([]*store.Role{
		{ID: "root"},
		{ID: "mid", ParentID: &root},
		{ID: "leaf", ParentID: &mid},
		{ID: "other"},
	})

	for _, id := range []string{"root", "mid", "leaf", "other"} {
		require.NoError(t, c.Put(ctx, id, permSet("users:read")))
	}

	require.NoError(t, c.InvalidateSubtree(ctx, "root"))

	for _, id := range []string{"root", "mid", "leaf"} {
		_, hit, err := c.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, hit, id)
	}

	_, hit, err := c.Get(ctx, "other")
	require.NoError(t, err)
	assert.True(t, hit, "unrelated roles keep their entries")
}

func TestInvalidateSubtreeMidLevel(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	root := "root"
	mid := "mid"
	c.RebuildIndex([]*store.Role{
		{ID: "root"},
		{ID: "mid", ParentID: &root},
		{ID: "leaf", ParentID: &mid},
	})

	for _, id := range []string{"root", "mid", "leaf"} {
		require.NoError(t, c.Put(ctx, id, permSet("users:read")))
	}

	require.NoError(t, c.InvalidateSubtree(ctx, "mid"))

	_, hit, err := c.Get(ctx, "root")
	require.NoError(t, err)
	assert.True(t, hit, "ancestors are unaffected")

	for _, id := range []string{"mid", "leaf"} {
		_, hit, err := c.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, hit, id)
	}
}

func TestInvalidateAll(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.Put(ctx, id, permSet("users:read")))
	}
	// Foreign keys survive the scan-and-delete.
	require.NoError(t, mr.Set("refresh:jwt:xyz", "user-1"))

	require.NoError(t, c.InvalidateAll(ctx))

	for _, id := range []string{"a", "b", "c"} {
		_, hit, err := c.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, hit, id)
	}
	assert.True(t, mr.Exists("refresh:jwt:xyz"))
}
