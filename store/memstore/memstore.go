// Package memstore is a process-local Store. Stores opened with the same name
// share their data until dropped.
package memstore

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/store"
	"github.com/puzpuzpuz/xsync/v4"
)

type namespace struct {
	mu      sync.Mutex // serializes CompareAndSwap against writers
	buckets *xsync.Map[string, *xsync.Map[string, []byte]]
	dropped atomic.Bool
}

var namespaces = xsync.NewMap[string, *namespace]()

// Store is a handle on a shared in-memory namespace.
type Store struct {
	name string
	ns   *namespace
}

var _ store.Store = (*Store)(nil)

// Open returns a handle on the namespace called name, creating it if needed.
func Open(name string) *Store {
	ns, _ := namespaces.LoadOrCompute(name, func() (*namespace, bool) {
		return &namespace{buckets: xsync.NewMap[string, *xsync.Map[string, []byte]]()}, false
	})
	return &Store{name: name, ns: ns}
}

func (s *Store) Name() string { return s.name }

func (s *Store) bucket(name string) *xsync.Map[string, []byte] {
	b, _ := s.ns.buckets.LoadOrCompute(name, func() (*xsync.Map[string, []byte], bool) {
		return xsync.NewMap[string, []byte](), false
	})
	return b
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := s.Alive(ctx); err != nil {
		return nil, err
	}
	v, ok := s.bucket(bucket).Load(key)
	if !ok {
		return nil, store.ErrKeyNotFound
	}
	return slices.Clone(v), nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := s.Alive(ctx); err != nil {
		return err
	}
	s.ns.mu.Lock()
	s.bucket(bucket).Store(key, slices.Clone(value))
	s.ns.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := s.Alive(ctx); err != nil {
		return err
	}
	s.ns.mu.Lock()
	s.bucket(bucket).Delete(key)
	s.ns.mu.Unlock()
	return nil
}

func (s *Store) CompareAndSwap(ctx context.Context, bucket, key string, prev, next []byte) (bool, error) {
	if err := s.Alive(ctx); err != nil {
		return false, err
	}
	s.ns.mu.Lock()
	defer s.ns.mu.Unlock()

	b := s.bucket(bucket)
	cur, ok := b.Load(key)
	if prev == nil && ok || prev != nil && (!ok || !bytes.Equal(cur, prev)) {
		return false, nil
	}
	if next == nil {
		b.Delete(key)
	} else {
		b.Store(key, slices.Clone(next))
	}
	return true, nil
}

// Keys returns the keys currently held in bucket, sorted.
func (s *Store) Keys(bucket string) []string {
	keys := []string{}
	s.bucket(bucket).Range(func(k string, _ []byte) bool {
		keys = append(keys, k)
		return true
	})
	slices.Sort(keys)
	return keys
}

func (s *Store) Alive(context.Context) error {
	if s.ns.dropped.Load() {
		return projectfs.ErrStoreUnavailable
	}
	return nil
}

// Drop marks the namespace deleted for every handle and forgets it, so a later
// Open with the same name starts empty.
func (s *Store) Drop(context.Context) error {
	s.ns.dropped.Store(true)
	namespaces.Compute(s.name, func(old *namespace, loaded bool) (*namespace, xsync.ComputeOp) {
		if loaded && old == s.ns {
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
	return nil
}

func (s *Store) Close() error { return nil }
