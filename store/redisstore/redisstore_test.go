package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/store"
	"github.com/brettbedarf/projectfs/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, mr *miniredis.Miniredis, name string) *Store {
	t.Helper()
	s, err := Open(context.Background(), name, Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	storetest.Run(t, func(t *testing.T, name string) store.Store {
		return newTestStore(t, mr, name)
	})
}

func TestKeyLayout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newTestStore(t, mr, "proj")

	require.NoError(t, s.Put(ctx, store.BucketObjects, "abc", []byte("payload")))
	v, err := mr.Get("proj:objects:abc")
	require.NoError(t, err)
	assert.Equal(t, "payload", v)
	assert.True(t, mr.Exists("proj:system:"+markerKey))
}

func TestDropRemovesOnlyNamespace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	a := newTestStore(t, mr, "a")
	b := newTestStore(t, mr, "b")

	require.NoError(t, a.Put(ctx, store.BucketObjects, "x", []byte("1")))
	require.NoError(t, b.Put(ctx, store.BucketObjects, "x", []byte("2")))
	require.NoError(t, a.Drop(ctx))

	assert.False(t, mr.Exists("a:objects:x"))
	assert.ErrorIs(t, a.Alive(ctx), projectfs.ErrStoreUnavailable)

	v, err := b.Get(ctx, store.BucketObjects, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestOpenUnreachable(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), "x", Options{Addr: addr})
	assert.Error(t, err)
}

func TestDropMatchesNameLiterally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	wild := newTestStore(t, mr, "a?")
	other := newTestStore(t, mr, "ab")

	require.NoError(t, wild.Put(ctx, store.BucketObjects, "x", []byte("1")))
	require.NoError(t, other.Put(ctx, store.BucketObjects, "x", []byte("2")))
	require.NoError(t, wild.Drop(ctx))

	assert.False(t, mr.Exists("a?:objects:x"))
	require.NoError(t, other.Alive(ctx))
	v, err := other.Get(ctx, store.BucketObjects, "x")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestOpenRejectsSeparatorInName(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	for _, name := range []string{"", "a:objects", "a:b"} {
		_, err := Open(context.Background(), name, Options{Addr: mr.Addr()})
		assert.Error(t, err, name)
	}
}
