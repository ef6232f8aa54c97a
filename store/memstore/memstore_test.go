package memstore

import (
	"context"
	"testing"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/store"
	"github.com/brettbedarf/projectfs/store/storetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T, name string) store.Store {
		return Open(name)
	})
}

func TestSharedByName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	name := uuid.NewString()
	a, b := Open(name), Open(name)

	require.NoError(t, a.Put(ctx, store.BucketSystem, "k", []byte("v")))
	v, err := b.Get(ctx, store.BucketSystem, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, b.Drop(ctx))
	assert.ErrorIs(t, a.Alive(ctx), projectfs.ErrStoreUnavailable)

	fresh := Open(name)
	require.NoError(t, fresh.Alive(ctx))
	_, err = fresh.Get(ctx, store.BucketSystem, "k")
	assert.ErrorIs(t, err, store.ErrKeyNotFound)
}

func TestKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := Open(uuid.NewString())
	assert.Empty(t, s.Keys(store.BucketObjects))

	require.NoError(t, s.Put(ctx, store.BucketObjects, "b", []byte("2")))
	require.NoError(t, s.Put(ctx, store.BucketObjects, "a", []byte("1")))
	require.NoError(t, s.Put(ctx, store.BucketSystem, "c", []byte("3")))
	assert.Equal(t, []string{"a", "b"}, s.Keys(store.BucketObjects))

	require.NoError(t, s.Delete(ctx, store.BucketObjects, "a"))
	assert.Equal(t, []string{"b"}, s.Keys(store.BucketObjects))
}
