// Package pointertree implements the project file system on top of a
// key-value Store. Every node is a stored object addressed by a random
// pointer; directories map child names to pointers, and a root pointer in the
// system bucket anchors the tree.
//
// Structural edits (creating, moving and deleting nodes, renaming the root)
// touch several objects and run under an advisory lock kept in the same store,
// so instances sharing a store do not interleave them. Overwriting the content
// of an existing file is a single object write and is not locked.
package pointertree

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/brettbedarf/projectfs/store"
)

const (
	DefaultLockTimeout   = time.Second
	DefaultLockRetry     = 10 * time.Millisecond
	DefaultLockQueueWarn = 10
)

type options struct {
	clock     clock.Clock
	timeout   time.Duration
	retry     time.Duration
	queueWarn int
}

// Option configures a pointer tree FileSystem.
type Option func(*options)

// WithClock sets the clock for modification times and the lock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLockTimeout sets the age after which a lock sentinel is considered
// abandoned.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLockRetry sets how often a contended lock is re-checked.
func WithLockRetry(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retry = d
		}
	}
}

// WithLockQueueWarn sets the local queue length above which a warning is
// logged.
func WithLockQueueWarn(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueWarn = n
		}
	}
}

// FileSystem is a pointer tree over a Store. It owns the store and closes it
// on Close.
type FileSystem struct {
	projectfs.Notifier
	store   store.Store
	objects objects
	lock    *advisoryLock
	clock   clock.Clock
	rootPtr string
}

var _ projectfs.Backend = (*FileSystem)(nil)

// Open attaches to the tree in s, creating the root directory if the store is
// empty. It returns once the root pointer exists.
func Open(ctx context.Context, s store.Store, opts ...Option) (*FileSystem, error) {
	logger := util.GetLogger("PointerTree.Open")
	o := options{
		clock:     clock.New(),
		timeout:   DefaultLockTimeout,
		retry:     DefaultLockRetry,
		queueWarn: DefaultLockQueueWarn,
	}
	for _, opt := range opts {
		opt(&o)
	}

	fs := &FileSystem{
		store:   s,
		objects: objects{store: s},
		lock:    newAdvisoryLock(s, o.clock, o.timeout, o.retry, o.queueWarn),
		clock:   o.clock,
	}
	root, err := fs.ensureRoot(ctx)
	if err != nil {
		return nil, err
	}
	fs.rootPtr = root
	logger.Debug().Str("store", s.Name()).Str("root", root).Msg("Opened pointer tree")
	return fs, nil
}

// ensureRoot returns the root pointer, creating the root object first if
// needed. The pointer is published with a compare-and-swap so concurrent
// openers agree on one root.
func (fs *FileSystem) ensureRoot(ctx context.Context) (string, error) {
	if err := fs.alive(ctx); err != nil {
		return "", err
	}
	ptr, err := fs.store.Get(ctx, store.BucketSystem, keyRootPointer)
	if err == nil {
		return string(ptr), nil
	}
	if !errors.Is(err, store.ErrKeyNotFound) {
		return "", err
	}

	candidate := newPointer()
	if err := fs.objects.put(ctx, candidate, newDirObject("", fs.clock.Now())); err != nil {
		return "", err
	}
	ok, err := fs.store.CompareAndSwap(ctx, store.BucketSystem, keyRootPointer, nil, []byte(candidate))
	if err != nil {
		return "", err
	}
	if ok {
		return candidate, nil
	}
	// another opener won
	_ = fs.objects.delete(ctx, candidate)
	ptr, err = fs.store.Get(ctx, store.BucketSystem, keyRootPointer)
	if err != nil {
		return "", err
	}
	return string(ptr), nil
}

// Store returns the underlying store.
func (fs *FileSystem) Store() store.Store {
	return fs.store
}

func (fs *FileSystem) Kind() projectfs.BackendKind { return projectfs.BackendPointerTree }

func (fs *FileSystem) Capabilities() projectfs.Capabilities {
	return projectfs.Capabilities{RootRename: true}
}

func (fs *FileSystem) alive(ctx context.Context) error {
	if err := fs.store.Alive(ctx); err != nil {
		return err
	}
	return nil
}

// guard checks the store before op and wraps a dead store in a PathError.
func (fs *FileSystem) guard(ctx context.Context, op string, p projectfs.Path) error {
	if err := fs.alive(ctx); err != nil {
		if errors.Is(err, projectfs.ErrStoreUnavailable) {
			return projectfs.NewPathError(op, p, err)
		}
		return err
	}
	return nil
}

// withLock runs fn under the advisory lock and emits the events it returns
// once the lock is released.
func (fs *FileSystem) withLock(ctx context.Context, op string, p projectfs.Path, fn func() ([]projectfs.ChangeEvent, error)) error {
	if err := fs.lock.acquire(ctx); err != nil {
		if errors.Is(err, projectfs.ErrStoreUnavailable) {
			return projectfs.NewPathError(op, p, err)
		}
		return err
	}
	events, err := fn()
	fs.lock.release(ctx)
	for _, ev := range events {
		fs.Emit(ev)
	}
	return err
}

func (fs *FileSystem) GetPermission(ctx context.Context, p projectfs.Path, _ projectfs.PermissionRequest) (bool, error) {
	if err := fs.guard(ctx, "getPermission", p); err != nil {
		return false, err
	}
	return true, nil
}

// descend walks the directory path p as far as objects exist. It returns the
// number of segments resolved together with the deepest directory reached.
// Running into a file fails with ErrNotADirectory.
func (fs *FileSystem) descend(ctx context.Context, op string, p projectfs.Path) (int, string, *storedObject, error) {
	ptr := fs.rootPtr
	obj, err := fs.objects.get(ctx, ptr)
	if err != nil {
		return 0, "", nil, fs.storeError(op, p, p[:0], err)
	}
	for i, name := range p {
		ref, ok := obj.Children[name]
		if !ok {
			return i, ptr, obj, nil
		}
		if ref.Kind != projectfs.KindDirectory {
			return 0, "", nil, projectfs.KindError(op, p, p[:i+1], projectfs.KindDirectory, ref.Kind)
		}
		child, err := fs.objects.get(ctx, ref.Pointer)
		if err != nil {
			return 0, "", nil, fs.storeError(op, p, p[:i+1], err)
		}
		ptr, obj = ref.Pointer, child
	}
	return len(p), ptr, obj, nil
}

// resolveDir returns the directory at p.
func (fs *FileSystem) resolveDir(ctx context.Context, op string, p projectfs.Path) (string, *storedObject, error) {
	depth, ptr, obj, err := fs.descend(ctx, op, p)
	if err != nil {
		return "", nil, err
	}
	if depth < len(p) {
		return "", nil, projectfs.NotFoundError(op, p, p[:depth+1])
	}
	return ptr, obj, nil
}

// resolveEntry returns the parent directory of p and p's entry in it.
func (fs *FileSystem) resolveEntry(ctx context.Context, op string, p projectfs.Path) (string, *storedObject, childRef, error) {
	parentPtr, parent, err := fs.resolveDir(ctx, op, p.Parent())
	if err != nil {
		var pe *projectfs.PathError
		if errors.As(err, &pe) {
			pe.Path = p.Clone()
		}
		return "", nil, childRef{}, err
	}
	ref, ok := parent.Children[p.Base()]
	if !ok {
		return "", nil, childRef{}, projectfs.NotFoundError(op, p, p)
	}
	return parentPtr, parent, ref, nil
}

// storeError maps a missing object to a not-found error at sub. Any other
// store failure passes through.
func (fs *FileSystem) storeError(op string, p, sub projectfs.Path, err error) error {
	if errors.Is(err, store.ErrKeyNotFound) {
		return projectfs.NotFoundError(op, p, sub)
	}
	if errors.Is(err, projectfs.ErrStoreUnavailable) {
		return projectfs.NewPathError(op, p, err)
	}
	return err
}

// mkdirAll creates the missing directories of p, bottom-up, and splices the
// topmost new one into the deepest existing directory. Must hold the lock.
func (fs *FileSystem) mkdirAll(ctx context.Context, op string, p projectfs.Path) (string, *storedObject, []projectfs.ChangeEvent, error) {
	depth, ptr, obj, err := fs.descend(ctx, op, p)
	if err != nil {
		return "", nil, nil, err
	}
	if depth == len(p) {
		return ptr, obj, nil, nil
	}

	now := fs.clock.Now()
	var (
		leafPtr   string
		leafObj   *storedObject
		childPtr  string
		childName string
	)
	for i := len(p) - 1; i >= depth; i-- {
		dir := newDirObject(p[i], now)
		if childPtr != "" {
			dir.Children[childName] = childRef{Pointer: childPtr, Kind: projectfs.KindDirectory}
		}
		dirPtr := newPointer()
		if err := fs.objects.put(ctx, dirPtr, dir); err != nil {
			return "", nil, nil, fs.storeError(op, p, p[:i+1], err)
		}
		if leafObj == nil {
			leafPtr, leafObj = dirPtr, dir
		}
		childPtr, childName = dirPtr, p[i]
	}

	obj.Children[childName] = childRef{Pointer: childPtr, Kind: projectfs.KindDirectory}
	obj.LastModified = now
	if err := fs.objects.put(ctx, ptr, obj); err != nil {
		return "", nil, nil, fs.storeError(op, p, p[:depth], err)
	}

	events := make([]projectfs.ChangeEvent, 0, len(p)-depth)
	for i := depth; i < len(p); i++ {
		events = append(events, projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: p[:i+1].Clone(), Type: projectfs.ChangeCreated})
	}
	return leafPtr, leafObj, events, nil
}

func (fs *FileSystem) ReadDir(ctx context.Context, p projectfs.Path) (projectfs.DirListing, error) {
	const op = "readDir"
	if err := fs.guard(ctx, op, p); err != nil {
		return projectfs.DirListing{}, err
	}
	if p.IsRoot() {
		_, root, err := fs.resolveDir(ctx, op, p)
		if err != nil {
			return projectfs.DirListing{}, err
		}
		return root.listing(), nil
	}
	_, _, ref, err := fs.resolveEntry(ctx, op, p)
	if err != nil {
		return projectfs.DirListing{}, err
	}
	if ref.Kind != projectfs.KindDirectory {
		return projectfs.DirListing{}, projectfs.KindError(op, p, p, projectfs.KindDirectory, ref.Kind)
	}
	obj, err := fs.objects.get(ctx, ref.Pointer)
	if err != nil {
		return projectfs.DirListing{}, fs.storeError(op, p, p, err)
	}
	return obj.listing(), nil
}

func (fs *FileSystem) CreateDir(ctx context.Context, p projectfs.Path) error {
	const op = "createDir"
	if err := fs.guard(ctx, op, p); err != nil {
		return err
	}
	// fast path for existing directories
	if depth, _, _, err := fs.descend(ctx, op, p); err != nil {
		return err
	} else if depth == len(p) {
		return nil
	}
	return fs.withLock(ctx, op, p, func() ([]projectfs.ChangeEvent, error) {
		_, _, events, err := fs.mkdirAll(ctx, op, p)
		return events, err
	})
}

func (fs *FileSystem) ReadFile(ctx context.Context, p projectfs.Path) (*projectfs.File, error) {
	const op = "readFile"
	if err := fs.guard(ctx, op, p); err != nil {
		return nil, err
	}
	if p.IsRoot() {
		return nil, projectfs.KindError(op, p, p, projectfs.KindFile, projectfs.KindDirectory)
	}
	_, _, ref, err := fs.resolveEntry(ctx, op, p)
	if err != nil {
		return nil, err
	}
	if ref.Kind != projectfs.KindFile {
		return nil, projectfs.KindError(op, p, p, projectfs.KindFile, ref.Kind)
	}
	obj, err := fs.objects.get(ctx, ref.Pointer)
	if err != nil {
		return nil, fs.storeError(op, p, p, err)
	}
	return obj.file(), nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, p projectfs.Path, data []byte) error {
	const op = "writeFile"
	if err := fs.guard(ctx, op, p); err != nil {
		return err
	}
	if p.IsRoot() {
		return projectfs.NewPathError(op, p, projectfs.ErrInvalidPath)
	}

	// overwriting an existing file only touches its own object
	if done, err := fs.overwrite(ctx, op, p, data); done || err != nil {
		return err
	}

	return fs.withLock(ctx, op, p, func() ([]projectfs.ChangeEvent, error) {
		parentPtr, parent, events, err := fs.mkdirAll(ctx, op, p.Parent())
		if err != nil {
			return events, err
		}
		now := fs.clock.Now()
		name := p.Base()
		if ref, ok := parent.Children[name]; ok {
			if ref.Kind != projectfs.KindFile {
				return events, projectfs.KindError(op, p, p, projectfs.KindFile, ref.Kind)
			}
			// created by someone else since the fast path looked
			obj, err := fs.objects.get(ctx, ref.Pointer)
			if err != nil {
				return events, fs.storeError(op, p, p, err)
			}
			obj.setContent(data, now)
			if err := fs.objects.put(ctx, ref.Pointer, obj); err != nil {
				return events, fs.storeError(op, p, p, err)
			}
			return append(events, projectfs.ChangeEvent{Kind: projectfs.KindFile, Path: p.Clone(), Type: projectfs.ChangeChanged}), nil
		}

		filePtr := newPointer()
		if err := fs.objects.put(ctx, filePtr, newFileObject(name, data, now)); err != nil {
			return events, fs.storeError(op, p, p, err)
		}
		parent.Children[name] = childRef{Pointer: filePtr, Kind: projectfs.KindFile}
		parent.LastModified = now
		if err := fs.objects.put(ctx, parentPtr, parent); err != nil {
			_ = fs.objects.delete(ctx, filePtr)
			return events, fs.storeError(op, p, p.Parent(), err)
		}
		return append(events, projectfs.ChangeEvent{Kind: projectfs.KindFile, Path: p.Clone(), Type: projectfs.ChangeCreated}), nil
	})
}

// overwrite replaces the content of an existing file without locking. It
// reports false when p does not exist yet.
func (fs *FileSystem) overwrite(ctx context.Context, op string, p projectfs.Path, data []byte) (bool, error) {
	depth, _, parent, err := fs.descend(ctx, op, p.Parent())
	if err != nil {
		return false, err
	}
	if depth < len(p)-1 {
		return false, nil
	}
	ref, ok := parent.Children[p.Base()]
	if !ok {
		return false, nil
	}
	if ref.Kind != projectfs.KindFile {
		return false, projectfs.KindError(op, p, p, projectfs.KindFile, ref.Kind)
	}
	now := fs.clock.Now()
	ok, err = fs.objects.update(ctx, ref.Pointer, func(obj *storedObject) {
		obj.setContent(data, now)
	})
	if err != nil {
		return false, fs.storeError(op, p, p, err)
	}
	if !ok {
		// deleted or moved meanwhile, redo under the lock
		return false, nil
	}
	fs.Emit(projectfs.ChangeEvent{Kind: projectfs.KindFile, Path: p.Clone(), Type: projectfs.ChangeChanged})
	return true, nil
}

func (fs *FileSystem) WriteFileStream(_ context.Context, p projectfs.Path, _ bool) (io.WriteCloser, error) {
	return nil, projectfs.NewPathError("writeFileStream", p, projectfs.ErrNotImplemented)
}

func (fs *FileSystem) Move(ctx context.Context, from, to projectfs.Path) error {
	const op = "move"
	if err := fs.guard(ctx, op, from); err != nil {
		return err
	}
	if from.IsRoot() || to.IsRoot() {
		return projectfs.NewPathError(op, from, projectfs.ErrInvalidPath)
	}
	if from.Equal(to) {
		return nil
	}
	if to.HasPrefix(from) {
		return &projectfs.PathError{Op: op, Path: to.Clone(), SubPath: from.Clone(), Err: projectfs.ErrInvalidPath}
	}

	return fs.withLock(ctx, op, from, func() ([]projectfs.ChangeEvent, error) {
		_, _, src, err := fs.resolveEntry(ctx, op, from)
		if err != nil {
			return nil, err
		}

		// validate the destination before touching anything
		replaced := false
		depth, dstParentPtr, dstParent, err := fs.descend(ctx, op, to.Parent())
		if err != nil {
			return nil, err
		}
		if depth == len(to)-1 {
			if dst, ok := dstParent.Children[to.Base()]; ok {
				if dst.Kind != projectfs.KindDirectory {
					return nil, &projectfs.PathError{Op: op, Path: to.Clone(), SubPath: to.Clone(), Expected: src.Kind, Actual: dst.Kind, Err: projectfs.ErrConflictingKind}
				}
				dstObj, err := fs.objects.get(ctx, dst.Pointer)
				if err != nil {
					return nil, fs.storeError(op, to, to, err)
				}
				if len(dstObj.Children) > 0 {
					return nil, projectfs.NewPathError(op, to, projectfs.ErrDirectoryNotEmpty)
				}
				delete(dstParent.Children, to.Base())
				if err := fs.objects.put(ctx, dstParentPtr, dstParent); err != nil {
					return nil, fs.storeError(op, to, to.Parent(), err)
				}
				if err := fs.objects.delete(ctx, dst.Pointer); err != nil {
					return nil, fs.storeError(op, to, to, err)
				}
				replaced = true
			}
		}

		_, _, events, err := fs.mkdirAll(ctx, op, to.Parent())
		if err != nil {
			return events, err
		}

		now := fs.clock.Now()
		// swapped so an unlocked overwrite racing the rename is not lost
		for {
			ok, err := fs.objects.update(ctx, src.Pointer, func(obj *storedObject) {
				obj.FileName = to.Base()
				if !obj.isDir() {
					obj.MimeType = projectfs.MimeTypeFor(obj.FileName)
				}
			})
			if err != nil {
				return events, fs.storeError(op, from, from, err)
			}
			if ok {
				break
			}
			if _, err := fs.objects.get(ctx, src.Pointer); err != nil {
				return events, fs.storeError(op, from, from, err)
			}
		}

		// re-read both parents, they may be the same object
		srcParentPtr, srcParent, err := fs.resolveDir(ctx, op, from.Parent())
		if err != nil {
			return events, err
		}
		delete(srcParent.Children, from.Base())
		srcParent.LastModified = now
		if err := fs.objects.put(ctx, srcParentPtr, srcParent); err != nil {
			return events, fs.storeError(op, from, from.Parent(), err)
		}
		dstParentPtr, dstParent, err = fs.resolveDir(ctx, op, to.Parent())
		if err != nil {
			return events, err
		}
		dstParent.Children[to.Base()] = src
		dstParent.LastModified = now
		if err := fs.objects.put(ctx, dstParentPtr, dstParent); err != nil {
			return events, fs.storeError(op, to, to.Parent(), err)
		}

		moved := []projectfs.ChangeEvent{{Kind: src.Kind, Path: from.Clone(), Type: projectfs.ChangeDeleted}}
		if replaced {
			moved = append(moved, projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: to.Clone(), Type: projectfs.ChangeDeleted})
		}
		moved = append(moved, events...)
		return append(moved, projectfs.ChangeEvent{Kind: src.Kind, Path: to.Clone(), Type: projectfs.ChangeCreated}), nil
	})
}

func (fs *FileSystem) Delete(ctx context.Context, p projectfs.Path, recursive bool) error {
	const op = "delete"
	if err := fs.guard(ctx, op, p); err != nil {
		return err
	}
	if p.IsRoot() {
		return projectfs.NewPathError(op, p, projectfs.ErrInvalidPath)
	}

	return fs.withLock(ctx, op, p, func() ([]projectfs.ChangeEvent, error) {
		parentPtr, parent, ref, err := fs.resolveEntry(ctx, op, p)
		if err != nil {
			return nil, err
		}
		if ref.Kind == projectfs.KindDirectory && !recursive {
			obj, err := fs.objects.get(ctx, ref.Pointer)
			if err != nil {
				return nil, fs.storeError(op, p, p, err)
			}
			if len(obj.Children) > 0 {
				return nil, projectfs.NewPathError(op, p, projectfs.ErrDirectoryNotEmpty)
			}
		}
		if err := fs.objects.deleteTree(ctx, ref.Pointer); err != nil {
			return nil, fs.storeError(op, p, p, err)
		}
		delete(parent.Children, p.Base())
		parent.LastModified = fs.clock.Now()
		if err := fs.objects.put(ctx, parentPtr, parent); err != nil {
			return nil, fs.storeError(op, p, p.Parent(), err)
		}
		return []projectfs.ChangeEvent{{Kind: ref.Kind, Path: p.Clone(), Type: projectfs.ChangeDeleted}}, nil
	})
}

func (fs *FileSystem) RootName(ctx context.Context) (string, error) {
	if err := fs.guard(ctx, "rootName", nil); err != nil {
		return "", err
	}
	name, err := fs.store.Get(ctx, store.BucketSystem, keyRootName)
	if errors.Is(err, store.ErrKeyNotFound) {
		return "", nil
	}
	return string(name), err
}

func (fs *FileSystem) SetRootName(ctx context.Context, name string) error {
	const op = "setRootName"
	if err := fs.guard(ctx, op, nil); err != nil {
		return err
	}
	return fs.withLock(ctx, op, nil, func() ([]projectfs.ChangeEvent, error) {
		return nil, fs.store.Put(ctx, store.BucketSystem, keyRootName, []byte(name))
	})
}

func (fs *FileSystem) SuggestCheckExternalChanges(context.Context) {}

// Drop deletes the whole store. Every later call on any FileSystem sharing it
// fails with ErrStoreUnavailable.
func (fs *FileSystem) Drop(ctx context.Context) error {
	return fs.store.Drop(ctx)
}

func (fs *FileSystem) Close() error {
	fs.Clear()
	return fs.store.Close()
}
