// Package redisstore keeps a Store namespace in Redis. Keys are laid out as
// "<name>:<bucket>:<key>" and a marker key records that the namespace exists.
package redisstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/brettbedarf/projectfs/store"
	"github.com/redis/go-redis/v9"
)

const (
	markerKey = "__namespace"
	scanCount = 1000
)

// globEscaper quotes a literal for a SCAN match pattern.
var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Options selects the Redis server.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store is a Store backed by a Redis client.
type Store struct {
	name       string
	client     *redis.Client
	ownsClient bool
}

var _ store.Store = (*Store)(nil)

// Open connects to Redis and opens the namespace name.
func Open(ctx context.Context, name string, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s, err := OpenWithClient(ctx, name, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// OpenWithClient opens the namespace on an existing client. Close leaves the
// client open. Names may not contain ':', which separates the key parts.
func OpenWithClient(ctx context.Context, name string, client *redis.Client) (*Store, error) {
	logger := util.GetLogger("RedisStore")
	if name == "" || strings.Contains(name, ":") {
		return nil, fmt.Errorf("redis store name %q: must be non-empty and contain no ':'", name)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := &Store{name: name, client: client}
	if err := client.SetNX(ctx, s.key(store.BucketSystem, markerKey), "1", 0).Err(); err != nil {
		return nil, fmt.Errorf("redis open %q: %w", name, err)
	}
	logger.Debug().Str("name", name).Str("addr", client.Options().Addr).Msg("Opened store")
	return s, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) key(bucket, key string) string {
	return s.name + ":" + bucket + ":" + key
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := s.Alive(ctx); err != nil {
		return nil, err
	}
	v, err := s.client.Get(ctx, s.key(bucket, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrKeyNotFound
	}
	return v, err
}

func (s *Store) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := s.Alive(ctx); err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(bucket, key), value, 0).Err()
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := s.Alive(ctx); err != nil {
		return err
	}
	return s.client.Del(ctx, s.key(bucket, key)).Err()
}

// CompareAndSwap runs as an optimistic WATCH/MULTI transaction. A concurrent
// modification of the key reports false.
func (s *Store) CompareAndSwap(ctx context.Context, bucket, key string, prev, next []byte) (bool, error) {
	if err := s.Alive(ctx); err != nil {
		return false, err
	}
	k := s.key(bucket, key)
	swapped := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
		} else if err != nil {
			return err
		}
		if prev == nil && exists || prev != nil && (!exists || !bytes.Equal(cur, prev)) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, k)
			} else {
				pipe.Set(ctx, k, next, 0)
			}
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	return swapped, err
}

func (s *Store) Alive(ctx context.Context) error {
	n, err := s.client.Exists(ctx, s.key(store.BucketSystem, markerKey)).Result()
	if err != nil {
		return fmt.Errorf("redis alive: %w", err)
	}
	if n == 0 {
		return projectfs.ErrStoreUnavailable
	}
	return nil
}

// Drop deletes every key of the namespace, the marker first.
func (s *Store) Drop(ctx context.Context) error {
	logger := util.GetLogger("RedisStore.Drop")
	if err := s.client.Del(ctx, s.key(store.BucketSystem, markerKey)).Err(); err != nil {
		return err
	}
	var keys []string
	iter := s.client.Scan(ctx, 0, globEscaper.Replace(s.name)+":*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := s.client.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}
	logger.Debug().Str("name", s.name).Int("keys", len(keys)).Msg("Dropped store")
	return nil
}

func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
