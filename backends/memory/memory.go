// Package memory implements an in-process project file system. It is the
// reference backend, the test double for consumers, and the emergency fallback
// when no persistent backend is available.
package memory

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/util"
)

// FileSystem is a plain in-memory tree. Permissions are always granted.
type FileSystem struct {
	projectfs.Notifier
	mu       sync.RWMutex // guards the tree structure and rootName
	root     *node
	rootName string
	clock    clock.Clock
}

// Option configures a memory FileSystem.
type Option func(*FileSystem)

// WithClock sets the clock used for modification times.
func WithClock(c clock.Clock) Option {
	return func(fs *FileSystem) { fs.clock = c }
}

// WithRootName sets the initial root name.
func WithRootName(name string) Option {
	return func(fs *FileSystem) { fs.rootName = name }
}

// New creates an empty in-memory FileSystem.
func New(opts ...Option) *FileSystem {
	fs := &FileSystem{clock: clock.New()}
	for _, opt := range opts {
		opt(fs)
	}
	fs.root = newDirNode("", fs.clock.Now())
	return fs
}

var _ projectfs.Backend = (*FileSystem)(nil)

func (fs *FileSystem) Kind() projectfs.BackendKind { return projectfs.BackendMemory }

func (fs *FileSystem) Capabilities() projectfs.Capabilities {
	return projectfs.Capabilities{RootRename: true}
}

func (fs *FileSystem) GetPermission(context.Context, projectfs.Path, projectfs.PermissionRequest) (bool, error) {
	return true, nil
}

// Load replaces the whole tree from a flat mapping of slash separated paths to
// file content. Keys ending in "/" create empty directories. Intermediate
// directories are created as needed. No change events are emitted.
func (fs *FileSystem) Load(files map[string][]byte) error {
	logger := util.GetLogger("Memory.Load")

	// sorted so a file/directory conflict fails deterministically
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := fs.clock.Now()
	root := newDirNode("", now)
	for _, key := range keys {
		p := projectfs.ParsePath(key)
		if p.IsRoot() {
			continue
		}
		if strings.HasSuffix(key, "/") {
			if _, _, err := mkdirAll(root, "load", p, now); err != nil {
				return err
			}
			continue
		}
		parent, _, err := mkdirAll(root, "load", p.Parent(), now)
		if err != nil {
			return err
		}
		if existing, ok := parent.getChild(p.Base()); ok && existing.isDir() {
			return projectfs.KindError("load", p, p, projectfs.KindFile, projectfs.KindDirectory)
		}
		parent.addChild(newFileNode(p.Base(), files[key], now))
	}

	fs.mu.Lock()
	fs.root = root
	fs.mu.Unlock()
	logger.Debug().Int("entries", len(keys)).Msg("Loaded tree")
	return nil
}

func (fs *FileSystem) ReadDir(_ context.Context, p projectfs.Path) (projectfs.DirListing, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	n, err := lookup(fs.root, "readDir", p)
	if err != nil {
		return projectfs.DirListing{}, err
	}
	if !n.isDir() {
		return projectfs.DirListing{}, projectfs.KindError("readDir", p, p, projectfs.KindDirectory, n.kind)
	}
	return n.listing(), nil
}

func (fs *FileSystem) CreateDir(_ context.Context, p projectfs.Path) error {
	fs.mu.Lock()
	_, created, err := mkdirAll(fs.root, "createDir", p, fs.clock.Now())
	fs.mu.Unlock()
	if err != nil {
		return err
	}
	fs.emitCreatedDirs(created)
	return nil
}

func (fs *FileSystem) ReadFile(_ context.Context, p projectfs.Path) (*projectfs.File, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	n, err := lookup(fs.root, "readFile", p)
	if err != nil {
		return nil, err
	}
	if n.isDir() {
		return nil, projectfs.KindError("readFile", p, p, projectfs.KindFile, n.kind)
	}
	return n.file(), nil
}

func (fs *FileSystem) WriteFile(_ context.Context, p projectfs.Path, data []byte) error {
	if p.IsRoot() {
		return projectfs.NewPathError("writeFile", p, projectfs.ErrInvalidPath)
	}
	now := fs.clock.Now()

	fs.mu.Lock()
	if err := checkCreatable(fs.root, "writeFile", p.Parent()); err != nil {
		fs.mu.Unlock()
		return err
	}
	if existing, err := lookup(fs.root, "writeFile", p); err == nil && existing.isDir() {
		fs.mu.Unlock()
		return projectfs.KindError("writeFile", p, p, projectfs.KindFile, projectfs.KindDirectory)
	}
	parent, created, err := mkdirAll(fs.root, "writeFile", p.Parent(), now)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	changeType := projectfs.ChangeCreated
	if existing, ok := parent.getChild(p.Base()); ok {
		existing.setContent(data, now)
		changeType = projectfs.ChangeChanged
	} else {
		parent.addChild(newFileNode(p.Base(), data, now))
	}
	fs.mu.Unlock()

	fs.emitCreatedDirs(created)
	fs.Emit(projectfs.ChangeEvent{Kind: projectfs.KindFile, Path: p.Clone(), Type: changeType})
	return nil
}

func (fs *FileSystem) WriteFileStream(_ context.Context, p projectfs.Path, _ bool) (io.WriteCloser, error) {
	return nil, projectfs.NewPathError("writeFileStream", p, projectfs.ErrNotImplemented)
}

func (fs *FileSystem) Move(_ context.Context, from, to projectfs.Path) error {
	const op = "move"
	if from.IsRoot() || to.IsRoot() {
		return projectfs.NewPathError(op, from, projectfs.ErrInvalidPath)
	}
	if from.Equal(to) {
		return nil
	}
	if to.HasPrefix(from) {
		return &projectfs.PathError{Op: op, Path: to.Clone(), SubPath: from.Clone(), Err: projectfs.ErrInvalidPath}
	}

	fs.mu.Lock()
	src, err := lookup(fs.root, op, from)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	if err := checkCreatable(fs.root, op, to.Parent()); err != nil {
		fs.mu.Unlock()
		return err
	}
	replaced := false
	if dst, err := lookup(fs.root, op, to); err == nil {
		switch {
		case !dst.isDir():
			fs.mu.Unlock()
			return &projectfs.PathError{Op: op, Path: to.Clone(), SubPath: to.Clone(), Expected: src.kind, Actual: projectfs.KindFile, Err: projectfs.ErrConflictingKind}
		case dst.childCount() > 0:
			fs.mu.Unlock()
			return projectfs.NewPathError(op, to, projectfs.ErrDirectoryNotEmpty)
		default:
			dst.parent.removeChild(dst.name)
			replaced = true
		}
	}

	now := fs.clock.Now()
	parent, created, _ := mkdirAll(fs.root, op, to.Parent(), now)
	src.parent.removeChild(src.name)
	src.name = to.Base()
	if !src.isDir() {
		src.mimeType = projectfs.MimeTypeFor(src.name)
	}
	parent.addChild(src)
	kind := src.kind
	fs.mu.Unlock()

	fs.Emit(projectfs.ChangeEvent{Kind: kind, Path: from.Clone(), Type: projectfs.ChangeDeleted})
	if replaced {
		fs.Emit(projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: to.Clone(), Type: projectfs.ChangeDeleted})
	}
	fs.emitCreatedDirs(created)
	fs.Emit(projectfs.ChangeEvent{Kind: kind, Path: to.Clone(), Type: projectfs.ChangeCreated})
	return nil
}

func (fs *FileSystem) Delete(_ context.Context, p projectfs.Path, recursive bool) error {
	if p.IsRoot() {
		return projectfs.NewPathError("delete", p, projectfs.ErrInvalidPath)
	}

	fs.mu.Lock()
	n, err := lookup(fs.root, "delete", p)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	if n.isDir() && n.childCount() > 0 && !recursive {
		fs.mu.Unlock()
		return projectfs.NewPathError("delete", p, projectfs.ErrDirectoryNotEmpty)
	}
	n.parent.removeChild(n.name)
	kind := n.kind
	fs.mu.Unlock()

	fs.Emit(projectfs.ChangeEvent{Kind: kind, Path: p.Clone(), Type: projectfs.ChangeDeleted})
	return nil
}

func (fs *FileSystem) RootName(context.Context) (string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.rootName, nil
}

func (fs *FileSystem) SetRootName(_ context.Context, name string) error {
	fs.mu.Lock()
	fs.rootName = name
	fs.mu.Unlock()
	return nil
}

func (fs *FileSystem) SuggestCheckExternalChanges(context.Context) {}

func (fs *FileSystem) Close() error {
	fs.Clear()
	return nil
}

func (fs *FileSystem) emitCreatedDirs(created []projectfs.Path) {
	for _, p := range created {
		fs.Emit(projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: p, Type: projectfs.ChangeCreated})
	}
}

// lookup walks from root to p.
func lookup(root *node, op string, p projectfs.Path) (*node, error) {
	cur := root
	for i, name := range p {
		if !cur.isDir() {
			return nil, projectfs.KindError(op, p, p[:i], projectfs.KindDirectory, cur.kind)
		}
		child, ok := cur.getChild(name)
		if !ok {
			return nil, projectfs.NotFoundError(op, p, p[:i+1])
		}
		cur = child
	}
	return cur, nil
}

// checkCreatable fails if any existing component of p is a file.
func checkCreatable(root *node, op string, p projectfs.Path) error {
	cur := root
	for i, name := range p {
		child, ok := cur.getChild(name)
		if !ok {
			return nil
		}
		if !child.isDir() {
			return projectfs.KindError(op, p, p[:i+1], projectfs.KindDirectory, child.kind)
		}
		cur = child
	}
	return nil
}

// mkdirAll creates missing directories along p and returns the leaf plus the
// paths that were created, outermost first.
func mkdirAll(root *node, op string, p projectfs.Path, now time.Time) (*node, []projectfs.Path, error) {
	cur := root
	var created []projectfs.Path
	for i, name := range p {
		child, ok := cur.getChild(name)
		if !ok {
			child = newDirNode(name, now)
			cur.addChild(child)
			created = append(created, p[:i+1].Clone())
		} else if !child.isDir() {
			return nil, created, projectfs.KindError(op, p, p[:i+1], projectfs.KindDirectory, child.kind)
		}
		cur = child
	}
	return cur, created, nil
}
