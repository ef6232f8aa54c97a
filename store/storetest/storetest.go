// Package storetest checks Store implementations against the common behavior.
package storetest

import (
	"context"
	"testing"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns a handle on the namespace called name.
type Opener func(t *testing.T, name string) store.Store

// Run exercises a Store implementation.
func Run(t *testing.T, open Opener) {
	ctx := context.Background()

	t.Run("GetPutDelete", func(t *testing.T) {
		s := open(t, uuid.NewString())
		_, err := s.Get(ctx, store.BucketObjects, "missing")
		require.ErrorIs(t, err, store.ErrKeyNotFound)

		require.NoError(t, s.Put(ctx, store.BucketObjects, "a", []byte("1")))
		v, err := s.Get(ctx, store.BucketObjects, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		// buckets are separate
		_, err = s.Get(ctx, store.BucketSystem, "a")
		require.ErrorIs(t, err, store.ErrKeyNotFound)

		require.NoError(t, s.Delete(ctx, store.BucketObjects, "a"))
		require.NoError(t, s.Delete(ctx, store.BucketObjects, "a"))
		_, err = s.Get(ctx, store.BucketObjects, "a")
		require.ErrorIs(t, err, store.ErrKeyNotFound)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		s := open(t, uuid.NewString())

		ok, err := s.CompareAndSwap(ctx, store.BucketSystem, "lock", nil, []byte("one"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.CompareAndSwap(ctx, store.BucketSystem, "lock", nil, []byte("two"))
		require.NoError(t, err)
		assert.False(t, ok, "key must be absent")

		ok, err = s.CompareAndSwap(ctx, store.BucketSystem, "lock", []byte("other"), []byte("two"))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.CompareAndSwap(ctx, store.BucketSystem, "lock", []byte("one"), []byte("two"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.CompareAndSwap(ctx, store.BucketSystem, "lock", []byte("two"), nil)
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = s.Get(ctx, store.BucketSystem, "lock")
		require.ErrorIs(t, err, store.ErrKeyNotFound)
	})

	t.Run("Drop", func(t *testing.T) {
		name := uuid.NewString()
		s := open(t, name)
		other := open(t, name)
		require.NoError(t, s.Put(ctx, store.BucketObjects, "a", []byte("1")))
		require.NoError(t, s.Alive(ctx))

		require.NoError(t, s.Drop(ctx))
		assert.ErrorIs(t, s.Alive(ctx), projectfs.ErrStoreUnavailable)
		assert.ErrorIs(t, other.Alive(ctx), projectfs.ErrStoreUnavailable)
		_, err := other.Get(ctx, store.BucketObjects, "a")
		assert.ErrorIs(t, err, projectfs.ErrStoreUnavailable)
	})
}
