package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T) (RedisAdapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	a, err := NewRedisAdapter(t.Name(), "app:", &Options{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, mr
}

func TestNewRedisAdapter_ReusesNamedConnection(t *testing.T) {
	a, mr := newAdapter(t)

	again, err := NewRedisAdapter(t.Name(), "other:", &Options{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = NewRedisAdapter(t.Name()+"-down", "", &Options{Addrs: []string{"127.0.0.1:1"}, DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}

func TestAdapter_PrefixesKeys(t *testing.T) {
	a, mr := newAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, "k", []byte("v"), time.Minute))
	got, err := mr.Get("app:k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.Equal(t, "app:k", a.Key("k"))

	v, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	_, err = a.Get(ctx, "missing")
	assert.ErrorIs(t, err, NilError)

	ok, err := a.SetNX(ctx, "k", []byte("w"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := a.Exist(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, a.Del(ctx, "k"))
	n, err = a.Exist(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestAdapter_SortedSetsAndScripts(t *testing.T) {
	a, _ := newAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, a.ZAdd(ctx, "z", 5, "b"))
	n, err := a.ZCount(ctx, "z", "-inf", "2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, a.ZRem(ctx, "z", "a"))
	n, err = a.ZCard(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	res, err := a.Eval(ctx, NewScript(`return redis.call("ZCARD", KEYS[1])`), []string{"z"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res)
}

func TestParseURL(t *testing.T) {
	opts, err := ParseURL("redis://:pw@cache:6380/4")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache:6380"}, opts.Addrs)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 4, opts.DB)

	_, err = ParseURL("memcached://nope")
	assert.Error(t, err)
}
