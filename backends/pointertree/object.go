package pointertree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/store"
	"github.com/google/uuid"
)

// Keys of the system bucket.
const (
	keyRootPointer = "rootPointer"
	keySystemLock  = "systemLock"
	keyRootName    = "rootName"
)

// childRef is a directory entry. The kind is kept next to the pointer so a
// listing needs a single read.
type childRef struct {
	Pointer string         `json:"ptr"`
	Kind    projectfs.Kind `json:"kind"`
}

// storedObject is one node of the tree, persisted as JSON in the objects
// bucket under a random pointer that never changes for the node's lifetime.
type storedObject struct {
	Kind         projectfs.Kind      `json:"kind"`
	FileName     string              `json:"fileName"`
	Children     map[string]childRef `json:"children,omitempty"`
	Content      []byte              `json:"content,omitempty"`
	MimeType     string              `json:"mimeType,omitempty"`
	LastModified time.Time           `json:"lastModified"`
}

func newPointer() string {
	return uuid.NewString()
}

func newDirObject(name string, now time.Time) *storedObject {
	return &storedObject{
		Kind:         projectfs.KindDirectory,
		FileName:     name,
		Children:     map[string]childRef{},
		LastModified: now,
	}
}

func newFileObject(name string, data []byte, now time.Time) *storedObject {
	o := &storedObject{Kind: projectfs.KindFile, FileName: name}
	o.setContent(data, now)
	return o
}

func (o *storedObject) isDir() bool {
	return o.Kind == projectfs.KindDirectory
}

func (o *storedObject) setContent(data []byte, now time.Time) {
	o.Content = slices.Clone(data)
	o.MimeType = projectfs.MimeTypeFor(o.FileName)
	o.LastModified = now
}

func (o *storedObject) listing() projectfs.DirListing {
	listing := projectfs.DirListing{Files: []string{}, Directories: []string{}}
	for name, ref := range o.Children {
		if ref.Kind == projectfs.KindDirectory {
			listing.Directories = append(listing.Directories, name)
		} else {
			listing.Files = append(listing.Files, name)
		}
	}
	slices.Sort(listing.Files)
	slices.Sort(listing.Directories)
	return listing
}

func (o *storedObject) file() *projectfs.File {
	content := o.Content
	if content == nil {
		content = []byte{}
	}
	return &projectfs.File{
		Name:         o.FileName,
		Content:      content,
		MimeType:     o.MimeType,
		LastModified: o.LastModified,
	}
}

// objects reads and writes storedObjects in a store.
type objects struct {
	store store.Store
}

func (s objects) get(ctx context.Context, ptr string) (*storedObject, error) {
	data, err := s.store.Get(ctx, store.BucketObjects, ptr)
	if err != nil {
		return nil, err
	}
	return decodeObject(ptr, data)
}

func decodeObject(ptr string, data []byte) (*storedObject, error) {
	var o storedObject
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decode object %s: %w", ptr, err)
	}
	if o.isDir() && o.Children == nil {
		o.Children = map[string]childRef{}
	}
	return &o, nil
}

func (s objects) put(ctx context.Context, ptr string, o *storedObject) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode object %s: %w", ptr, err)
	}
	return s.store.Put(ctx, store.BucketObjects, ptr, data)
}

// update applies fn to the object at ptr and writes it back only if nobody
// changed or removed it in between. It reports false when the object is gone
// or the swap lost.
func (s objects) update(ctx context.Context, ptr string, fn func(*storedObject)) (bool, error) {
	prev, err := s.store.Get(ctx, store.BucketObjects, ptr)
	if errors.Is(err, store.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	o, err := decodeObject(ptr, prev)
	if err != nil {
		return false, err
	}
	fn(o)
	next, err := json.Marshal(o)
	if err != nil {
		return false, fmt.Errorf("encode object %s: %w", ptr, err)
	}
	return s.store.CompareAndSwap(ctx, store.BucketObjects, ptr, prev, next)
}

func (s objects) delete(ctx context.Context, ptr string) error {
	return s.store.Delete(ctx, store.BucketObjects, ptr)
}

// deleteTree removes ptr and everything below it, children first.
func (s objects) deleteTree(ctx context.Context, ptr string) error {
	o, err := s.get(ctx, ptr)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, ref := range o.Children {
		if err := s.deleteTree(ctx, ref.Pointer); err != nil {
			return err
		}
	}
	return s.delete(ctx, ptr)
}
