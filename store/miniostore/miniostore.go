// Package miniostore keeps a Store namespace in an S3 compatible bucket. Values
// are objects at "<name>/<bucket>/<key>"; a marker object records that the
// namespace exists.
package miniostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/brettbedarf/projectfs/store"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const markerObject = ".namespace"

// Options selects the server and bucket.
type Options struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Client overrides Endpoint and the credentials when set.
	Client *minio.Client
}

// Store is a Store backed by MinIO.
type Store struct {
	name   string
	bucket string
	client *minio.Client
	casMu  sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open connects, creates the bucket if needed and opens the namespace name.
func Open(ctx context.Context, name string, opts Options) (*Store, error) {
	logger := util.GetLogger("MinioStore")
	if opts.Bucket == "" {
		return nil, errors.New("minio: bucket is required")
	}
	client := opts.Client
	if client == nil {
		var err error
		client, err = minio.New(opts.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
			Secure: opts.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, translate(err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			// lost a creation race with another opener
			if ok, _ := client.BucketExists(ctx, opts.Bucket); !ok {
				return nil, translate(err)
			}
		}
	}

	s := &Store{name: name, bucket: opts.Bucket, client: client}
	if err := s.putObject(ctx, s.markerKey(), []byte("1")); err != nil {
		return nil, err
	}
	logger.Debug().Str("name", name).Str("bucket", opts.Bucket).Msg("Opened store")
	return s, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) objectKey(bucket, key string) string {
	return s.name + "/" + bucket + "/" + key
}

func (s *Store) markerKey() string {
	return s.name + "/" + markerObject
}

// translate maps MinIO errors onto store errors.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return store.ErrKeyNotFound
	case "NoSuchBucket":
		return projectfs.ErrStoreUnavailable
	}
	return fmt.Errorf("minio: %w", err)
}

func (s *Store) putObject(ctx context.Context, key string, value []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(value), int64(len(value)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return translate(err)
}

func (s *Store) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := s.Alive(ctx); err != nil {
		return nil, err
	}
	return s.getObject(ctx, s.objectKey(bucket, key))
}

func (s *Store) Put(ctx context.Context, bucket, key string, value []byte) error {
	if err := s.Alive(ctx); err != nil {
		return err
	}
	return s.putObject(ctx, s.objectKey(bucket, key), value)
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := s.Alive(ctx); err != nil {
		return err
	}
	return translate(s.client.RemoveObject(ctx, s.bucket, s.objectKey(bucket, key), minio.RemoveObjectOptions{}))
}

// CompareAndSwap reads, compares and writes under a process-local mutex. It is
// atomic only among handles of this process; other writers can interleave.
func (s *Store) CompareAndSwap(ctx context.Context, bucket, key string, prev, next []byte) (bool, error) {
	if err := s.Alive(ctx); err != nil {
		return false, err
	}
	s.casMu.Lock()
	defer s.casMu.Unlock()

	k := s.objectKey(bucket, key)
	cur, err := s.getObject(ctx, k)
	exists := true
	if errors.Is(err, store.ErrKeyNotFound) {
		exists = false
	} else if err != nil {
		return false, err
	}
	if prev == nil && exists || prev != nil && (!exists || !bytes.Equal(cur, prev)) {
		return false, nil
	}
	if next == nil {
		return true, translate(s.client.RemoveObject(ctx, s.bucket, k, minio.RemoveObjectOptions{}))
	}
	return true, s.putObject(ctx, k, next)
}

func (s *Store) Alive(ctx context.Context) error {
	_, err := s.client.StatObject(ctx, s.bucket, s.markerKey(), minio.StatObjectOptions{})
	err = translate(err)
	if errors.Is(err, store.ErrKeyNotFound) {
		return projectfs.ErrStoreUnavailable
	}
	return err
}

// Drop removes the marker and then every object under the namespace prefix.
func (s *Store) Drop(ctx context.Context) error {
	logger := util.GetLogger("MinioStore.Drop")
	if err := s.client.RemoveObject(ctx, s.bucket, s.markerKey(), minio.RemoveObjectOptions{}); err != nil {
		return translate(err)
	}

	objectsCh := make(chan minio.ObjectInfo, 100)
	var listErr error
	go func() {
		defer close(objectsCh)
		for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:    s.name + "/",
			Recursive: true,
		}) {
			if object.Err != nil {
				listErr = object.Err
				return
			}
			objectsCh <- object
		}
	}()

	var errList []error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			errList = append(errList, rerr.Err)
		}
	}
	if listErr != nil {
		return translate(listErr)
	}
	if len(errList) > 0 {
		return translate(errList[0])
	}
	logger.Debug().Str("name", s.name).Msg("Dropped store")
	return nil
}

func (s *Store) Close() error { return nil }
