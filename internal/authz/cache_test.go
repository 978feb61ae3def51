package authz

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts ...CacheOption) (*DecisionCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewDecisionCache(client, opts...), mr
}

func TestHashContextStableAcrossInsertionOrder(t *testing.T) {
	a := Context{CtxUserID: "u1", CtxClientIP: "10.0.0.1", "nested": map[string]any{"x": 1, "y": "z"}}
	b := Context{"nested": map[string]any{"y": "z", "x": 1}, CtxClientIP: "10.0.0.1", CtxUserID: "u1"}
	require.Equal(t, HashContext(a), HashContext(b))

	c := Context{CtxUserID: "u2", CtxClientIP: "10.0.0.1"}
	require.NotEqual(t, HashContext(a), HashContext(c))
}

func TestCacheKeyDeterministic(t *testing.T) {
	cache, _ := newTestCache(t)
	reqCtx := Context{CtxUserID: "u1"}
	require.Equal(t,
		cache.Key("u1", "report", "read", reqCtx),
		cache.Key("u1", "report", "read", Context{CtxUserID: "u1"}))
	require.NotEqual(t,
		cache.Key("u1", "report", "read", reqCtx),
		cache.Key("u2", "report", "read", reqCtx))
}

func TestCachePutGetRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := cache.Key("u1", "report", "read", nil)

	_, hit, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, hit)

	perm := Permission{Resource: "report", Action: "read", Priority: 50}
	want := Decision{Allowed: true, Reason: ReasonGranted, Matched: &perm}
	require.NoError(t, cache.Put(ctx, key, want, time.Minute))

	got, hit, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, want, got)
}

func TestCacheTTLClasses(t *testing.T) {
	cache, _ := newTestCache(t)
	require.Equal(t, DefaultCheckTTL, cache.TTLFor("report"))
	require.Equal(t, DefaultMetadataTTL, cache.TTLFor("role"))
	require.Equal(t, DefaultMetadataTTL, cache.TTLFor("system"))

	custom, _ := newTestCache(t, WithCheckTTL(time.Second), WithMetadataTTL(time.Hour, "catalog"))
	require.Equal(t, time.Second, custom.TTLFor("report"))
	require.Equal(t, time.Hour, custom.TTLFor("catalog"))
	require.Equal(t, time.Second, custom.TTLFor("role"))
}

func TestCacheInvalidateUser(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	keyU1 := cache.Key("u1", "report", "read", nil)
	keyU1B := cache.Key("u1", "query", "read", nil)
	keyU2 := cache.Key("u2", "report", "read", nil)
	for _, key := range []string{keyU1, keyU1B, keyU2} {
		require.NoError(t, cache.Put(ctx, key, Decision{Allowed: true, Reason: ReasonGranted}, time.Minute))
	}

	require.NoError(t, cache.InvalidateUser(ctx, "u1"))

	_, hit, err := cache.Get(ctx, keyU1)
	require.NoError(t, err)
	require.False(t, hit)
	_, hit, err = cache.Get(ctx, keyU1B)
	require.NoError(t, err)
	require.False(t, hit)
	_, hit, err = cache.Get(ctx, keyU2)
	require.NoError(t, err)
	require.True(t, hit, "other users' entries must survive")
}

func TestCacheInvalidateAll(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := cache.Key("u1", "report", "read", nil)
	require.NoError(t, cache.Put(ctx, key, Decision{Allowed: true, Reason: ReasonGranted}, time.Minute))

	require.NoError(t, cache.InvalidateAll(ctx))

	_, hit, err := cache.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestCacheUnavailableWrapsError(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	_, _, err := cache.Get(context.Background(), "authz:decision:u1:r:a:x")
	require.ErrorIs(t, err, ErrCacheUnavailable)
}

func TestNilCacheIsPermanentMiss(t *testing.T) {
	var cache *DecisionCache
	ctx := context.Background()

	_, hit, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, hit)
	require.NoError(t, cache.Put(ctx, "k", Decision{}, time.Minute))
	require.NoError(t, cache.InvalidateAll(ctx))
	require.Equal(t, DefaultCheckTTL, cache.TTLFor("report"))
}
