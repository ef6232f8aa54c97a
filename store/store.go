// Package store defines the key-value persistence used by the pointer tree
// backend. A store is a named namespace holding a few buckets of opaque
// values. Several FileSystem instances opened on the same name share it.
package store

import (
	"context"
	"errors"
)

const (
	// BucketObjects maps pointers to serialized tree objects.
	BucketObjects = "objects"
	// BucketSystem holds bookkeeping keys such as the root pointer and the lock.
	BucketSystem = "system"
)

// ErrKeyNotFound is returned by Get when the key does not exist. Drivers
// translate their native not-found errors to it.
var ErrKeyNotFound = errors.New("key not found")

// Store is a bucketed key-value namespace.
type Store interface {
	// Name returns the namespace name.
	Name() string

	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, bucket, key string) error

	// CompareAndSwap replaces the value at key with next if it currently holds
	// prev. A nil prev means the key must be absent; a nil next deletes it.
	// It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, bucket, key string, prev, next []byte) (bool, error)

	// Alive returns projectfs.ErrStoreUnavailable once the namespace has been
	// dropped, by this or any other handle.
	Alive(ctx context.Context) error
	// Drop deletes the whole namespace.
	Drop(ctx context.Context) error
	Close() error
}
