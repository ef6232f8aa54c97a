// Package native implements the project file system on a directory of the
// host file system, accessed through go-billy handles.
//
// Besides the operations themselves it detects changes made by other programs.
// A shadow tree remembers what the directory looked like at the last poll;
// each poll walks the live tree next to it and reports every difference as an
// external change event. Writes made through this FileSystem update the
// shadow as they happen so they are not reported a second time.
package native

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	billyutil "github.com/go-git/go-billy/v5/util"
)

const (
	DefaultPollInterval    = time.Second
	DefaultLocalWriteSlack = time.Second

	dirPerm  = 0o755
	filePerm = 0o644
)

type options struct {
	clock        clock.Clock
	pollInterval time.Duration
	slack        time.Duration
	watchEvents  bool
	prompter     Prompter
	permission   PermissionState
	rootName     string
}

// Option configures a native FileSystem.
type Option func(*options)

// WithClock sets the clock driving the poller and shadow timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPollInterval sets the period of the background poll. Zero disables
// periodic polling; SuggestCheckExternalChanges still polls.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithLocalWriteSlack sets how far ahead of a local write the shadow
// timestamp is seeded.
func WithLocalWriteSlack(d time.Duration) Option {
	return func(o *options) { o.slack = d }
}

// WithWatchEvents schedules a poll whenever the OS reports activity below
// the root. Only effective for directories on the host file system.
func WithWatchEvents(enabled bool) Option {
	return func(o *options) { o.watchEvents = enabled }
}

// WithPrompter sets who is asked when a permission is undecided.
func WithPrompter(p Prompter) Option {
	return func(o *options) { o.prompter = p }
}

// WithDefaultPermission sets the state of handles without a recorded
// decision. The default is PermissionGranted.
func WithDefaultPermission(state PermissionState) Option {
	return func(o *options) { o.permission = state }
}

// WithRootName overrides the root name, which defaults to the base name of
// the root directory.
func WithRootName(name string) Option {
	return func(o *options) { o.rootName = name }
}

// FileSystem is a project file system over a billy.Filesystem.
type FileSystem struct {
	projectfs.Notifier
	bfs      billy.Filesystem
	perms    *permissionTable
	clock    clock.Clock
	slack    time.Duration
	rootName string

	// Local mutations hold opMu shared, a poll holds it exclusively, so a
	// poll never observes a mutation whose shadow update is still pending.
	opMu     sync.RWMutex
	shadowMu sync.Mutex // guards shadow and polled
	shadow   *watchNode
	polled   bool
	mkdirMu  sync.Mutex // makes the exists check and MkdirAll one step

	poller  *Poller
	watcher *osWatcher
}

var _ projectfs.Backend = (*FileSystem)(nil)

// OpenDir opens the host directory dir.
func OpenDir(dir string, opts ...Option) (*FileSystem, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open native root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open native root %q: %w", dir, projectfs.ErrNotADirectory)
	}
	return Open(osfs.New(dir), opts...)
}

// Open wraps bfs, whose root becomes the project root, and starts background
// polling.
func Open(bfs billy.Filesystem, opts ...Option) (*FileSystem, error) {
	logger := util.GetLogger("Native.Open")
	o := options{
		clock:        clock.New(),
		pollInterval: DefaultPollInterval,
		slack:        DefaultLocalWriteSlack,
		permission:   PermissionGranted,
	}
	for _, opt := range opts {
		opt(&o)
	}
	rootName := o.rootName
	if rootName == "" {
		rootName = filepath.Base(bfs.Root())
	}

	fs := &FileSystem{
		bfs:      bfs,
		perms:    newPermissionTable(o.permission, o.prompter),
		clock:    o.clock,
		slack:    o.slack,
		rootName: rootName,
		shadow:   newWatchDir(),
	}
	fs.poller = NewPoller(o.clock, o.pollInterval, func(ctx context.Context) {
		if _, err := fs.Poll(ctx); err != nil {
			logger.Debug().Err(err).Msg("Poll failed")
		}
	})

	if o.watchEvents {
		w, err := newOSWatcher(bfs, fs.poller.Trigger)
		if err != nil {
			logger.Warn().Err(err).Msg("OS change notifications unavailable, polling only")
		} else {
			fs.watcher = w
		}
	}
	if o.pollInterval > 0 || fs.watcher != nil {
		fs.poller.Start(context.Background())
	}
	logger.Debug().Str("root", bfs.Root()).Dur("interval", o.pollInterval).Bool("watch", fs.watcher != nil).Msg("Opened native file system")
	return fs, nil
}

func (fs *FileSystem) Kind() projectfs.BackendKind { return projectfs.BackendNative }

func (fs *FileSystem) Capabilities() projectfs.Capabilities {
	return projectfs.Capabilities{Streaming: true, Watch: true}
}

// SetPermission records a permission decision for p and everything below it
// that has no decision of its own.
func (fs *FileSystem) SetPermission(p projectfs.Path, writable bool, state PermissionState) {
	fs.perms.set(p, writable, state)
}

func (fs *FileSystem) GetPermission(ctx context.Context, p projectfs.Path, req projectfs.PermissionRequest) (bool, error) {
	return fs.perms.request(ctx, p, req)
}

// require fails with ErrPermissionDenied unless access to p is granted,
// prompting when ctx allows it.
func (fs *FileSystem) require(ctx context.Context, op string, p projectfs.Path, writable bool) error {
	ok, err := fs.perms.request(ctx, p, projectfs.PermissionRequest{Writable: writable, Prompt: true})
	if err != nil {
		return projectfs.NewPathError(op, p, fmt.Errorf("%w: %w", projectfs.ErrPermissionDenied, err))
	}
	if !ok {
		return projectfs.NewPathError(op, p, projectfs.ErrPermissionDenied)
	}
	return nil
}

// name converts p to a billy path.
func name(p projectfs.Path) string {
	if p.IsRoot() {
		return "."
	}
	return path.Join(p...)
}

// stat returns the info at p. On failure it locates the failing component.
func (fs *FileSystem) stat(op string, p projectfs.Path) (os.FileInfo, error) {
	info, err := fs.bfs.Stat(name(p))
	if err == nil {
		return info, nil
	}
	for i := range p {
		sub := p[:i+1]
		subInfo, serr := fs.bfs.Stat(name(sub))
		if serr != nil {
			if os.IsNotExist(serr) {
				return nil, projectfs.NotFoundError(op, p, sub)
			}
			return nil, projectfs.NewPathError(op, p, serr)
		}
		if i < len(p)-1 && !subInfo.IsDir() {
			return nil, projectfs.KindError(op, p, sub, projectfs.KindDirectory, kindOf(subInfo))
		}
	}
	return nil, projectfs.NewPathError(op, p, err)
}

// checkCreatable fails if an existing component of dir is not a directory.
// It returns how many leading components exist.
func (fs *FileSystem) checkCreatable(op string, p, dir projectfs.Path) (int, error) {
	for i := range dir {
		info, err := fs.bfs.Stat(name(dir[:i+1]))
		if os.IsNotExist(err) {
			return i, nil
		}
		if err != nil {
			return i, projectfs.NewPathError(op, p, err)
		}
		if !info.IsDir() {
			return i, projectfs.KindError(op, p, dir[:i+1], projectfs.KindDirectory, kindOf(info))
		}
	}
	return len(dir), nil
}

// mkdirAll creates dir and returns created events, outermost first.
func (fs *FileSystem) mkdirAll(op string, p, dir projectfs.Path) ([]projectfs.ChangeEvent, error) {
	fs.mkdirMu.Lock()
	defer fs.mkdirMu.Unlock()
	existing, err := fs.checkCreatable(op, p, dir)
	if err != nil {
		return nil, err
	}
	if existing == len(dir) {
		return nil, nil
	}
	if err := fs.bfs.MkdirAll(name(dir), dirPerm); err != nil {
		return nil, projectfs.NewPathError(op, p, err)
	}
	events := make([]projectfs.ChangeEvent, 0, len(dir)-existing)
	for i := existing; i < len(dir); i++ {
		sub := dir[:i+1].Clone()
		fs.shadowSet(sub, projectfs.KindDirectory, time.Time{})
		events = append(events, projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: sub, Type: projectfs.ChangeCreated})
	}
	return events, nil
}

func (fs *FileSystem) emitAll(events []projectfs.ChangeEvent) {
	for _, ev := range events {
		fs.Emit(ev)
	}
}

// mutate runs fn as a local mutation and emits its events afterwards.
func (fs *FileSystem) mutate(fn func() ([]projectfs.ChangeEvent, error)) error {
	fs.opMu.RLock()
	events, err := fn()
	fs.opMu.RUnlock()
	fs.emitAll(events)
	return err
}

func (fs *FileSystem) ReadDir(ctx context.Context, p projectfs.Path) (projectfs.DirListing, error) {
	const op = "readDir"
	if err := fs.require(ctx, op, p, false); err != nil {
		return projectfs.DirListing{}, err
	}
	info, err := fs.stat(op, p)
	if err != nil {
		return projectfs.DirListing{}, err
	}
	if !info.IsDir() {
		return projectfs.DirListing{}, projectfs.KindError(op, p, p, projectfs.KindDirectory, kindOf(info))
	}
	entries, err := fs.bfs.ReadDir(name(p))
	if err != nil {
		return projectfs.DirListing{}, projectfs.NewPathError(op, p, err)
	}
	listing := projectfs.DirListing{Files: []string{}, Directories: []string{}}
	for _, e := range entries {
		if e.IsDir() {
			listing.Directories = append(listing.Directories, e.Name())
		} else {
			listing.Files = append(listing.Files, e.Name())
		}
	}
	slices.Sort(listing.Files)
	slices.Sort(listing.Directories)
	return listing, nil
}

func (fs *FileSystem) CreateDir(ctx context.Context, p projectfs.Path) error {
	const op = "createDir"
	if err := fs.require(ctx, op, p, true); err != nil {
		return err
	}
	return fs.mutate(func() ([]projectfs.ChangeEvent, error) {
		return fs.mkdirAll(op, p, p)
	})
}

func (fs *FileSystem) ReadFile(ctx context.Context, p projectfs.Path) (*projectfs.File, error) {
	const op = "readFile"
	if err := fs.require(ctx, op, p, false); err != nil {
		return nil, err
	}
	info, err := fs.stat(op, p)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, projectfs.KindError(op, p, p, projectfs.KindFile, projectfs.KindDirectory)
	}
	data, err := billyutil.ReadFile(fs.bfs, name(p))
	if err != nil {
		return nil, projectfs.NewPathError(op, p, err)
	}
	return &projectfs.File{
		Name:         p.Base(),
		Content:      data,
		MimeType:     projectfs.MimeTypeFor(p.Base()),
		LastModified: info.ModTime(),
	}, nil
}

// prepareWrite validates p as a file destination, creates its parents and
// seeds the shadow ahead of the write. It reports whether the file exists.
func (fs *FileSystem) prepareWrite(ctx context.Context, op string, p projectfs.Path) (bool, []projectfs.ChangeEvent, error) {
	if p.IsRoot() {
		return false, nil, projectfs.NewPathError(op, p, projectfs.ErrInvalidPath)
	}
	if err := fs.require(ctx, op, p, true); err != nil {
		return false, nil, err
	}
	if _, err := fs.checkCreatable(op, p, p.Parent()); err != nil {
		return false, nil, err
	}
	exists := false
	if info, err := fs.bfs.Stat(name(p)); err == nil {
		if info.IsDir() {
			return false, nil, projectfs.KindError(op, p, p, projectfs.KindFile, projectfs.KindDirectory)
		}
		exists = true
	}
	events, err := fs.mkdirAll(op, p, p.Parent())
	if err != nil {
		return false, events, err
	}
	fs.shadowSeed(p, fs.clock.Now().Add(fs.slack))
	return exists, events, nil
}

// finishWrite corrects the shadow to the written file's real timestamp and
// returns the change event.
func (fs *FileSystem) finishWrite(p projectfs.Path, existed bool) projectfs.ChangeEvent {
	if info, err := fs.bfs.Stat(name(p)); err == nil {
		fs.shadowSet(p, projectfs.KindFile, info.ModTime())
	}
	t := projectfs.ChangeCreated
	if existed {
		t = projectfs.ChangeChanged
	}
	return projectfs.ChangeEvent{Kind: projectfs.KindFile, Path: p.Clone(), Type: t}
}

func (fs *FileSystem) WriteFile(ctx context.Context, p projectfs.Path, data []byte) error {
	const op = "writeFile"
	return fs.mutate(func() ([]projectfs.ChangeEvent, error) {
		existed, events, err := fs.prepareWrite(ctx, op, p)
		if err != nil {
			return events, err
		}
		if err := billyutil.WriteFile(fs.bfs, name(p), data, filePerm); err != nil {
			fs.shadowRestore(p)
			return events, projectfs.NewPathError(op, p, err)
		}
		return append(events, fs.finishWrite(p, existed)), nil
	})
}

// WriteFileStream opens p for incremental writing. With keepExistingData the
// stream appends to the current content, otherwise the file starts empty.
func (fs *FileSystem) WriteFileStream(ctx context.Context, p projectfs.Path, keepExistingData bool) (io.WriteCloser, error) {
	const op = "writeFileStream"
	var w *streamWriter
	err := fs.mutate(func() ([]projectfs.ChangeEvent, error) {
		existed, events, err := fs.prepareWrite(ctx, op, p)
		if err != nil {
			return events, err
		}
		flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if keepExistingData {
			flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := fs.bfs.OpenFile(name(p), flag, filePerm)
		if err != nil {
			fs.shadowRestore(p)
			return events, projectfs.NewPathError(op, p, err)
		}
		w = &streamWriter{fs: fs, file: f, path: p.Clone(), existed: existed}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// streamWriter reports its change when closed.
type streamWriter struct {
	fs      *FileSystem
	file    billy.File
	path    projectfs.Path
	existed bool
	once    sync.Once
}

func (w *streamWriter) Write(b []byte) (int, error) {
	return w.file.Write(b)
}

func (w *streamWriter) Close() error {
	err := w.file.Close()
	w.once.Do(func() {
		_ = w.fs.mutate(func() ([]projectfs.ChangeEvent, error) {
			return []projectfs.ChangeEvent{w.fs.finishWrite(w.path, w.existed)}, nil
		})
	})
	return err
}

func (fs *FileSystem) Move(ctx context.Context, from, to projectfs.Path) error {
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
	if err := fs.require(ctx, op, from, true); err != nil {
		return err
	}
	if err := fs.require(ctx, op, to, true); err != nil {
		return err
	}

	return fs.mutate(func() ([]projectfs.ChangeEvent, error) {
		return fs.move(op, from, to)
	})
}

func (fs *FileSystem) move(op string, from, to projectfs.Path) ([]projectfs.ChangeEvent, error) {
	src, err := fs.stat(op, from)
	if err != nil {
		return nil, err
	}
	srcKind := kindOf(src)
	if _, err := fs.checkCreatable(op, to, to.Parent()); err != nil {
		return nil, err
	}
	replaced := false
	if dst, err := fs.bfs.Stat(name(to)); err == nil {
		if !dst.IsDir() {
			return nil, &projectfs.PathError{Op: op, Path: to.Clone(), SubPath: to.Clone(), Expected: srcKind, Actual: kindOf(dst), Err: projectfs.ErrConflictingKind}
		}
		entries, err := fs.bfs.ReadDir(name(to))
		if err != nil {
			return nil, projectfs.NewPathError(op, to, err)
		}
		if len(entries) > 0 {
			return nil, projectfs.NewPathError(op, to, projectfs.ErrDirectoryNotEmpty)
		}
		if err := fs.bfs.Remove(name(to)); err != nil {
			return nil, projectfs.NewPathError(op, to, err)
		}
		fs.shadowRemove(to)
		replaced = true
	}

	created, err := fs.mkdirAll(op, to, to.Parent())
	if err != nil {
		return created, err
	}
	if err := fs.bfs.Rename(name(from), name(to)); err != nil {
		return created, projectfs.NewPathError(op, from, err)
	}
	fs.shadowMove(from, to)

	events := []projectfs.ChangeEvent{{Kind: srcKind, Path: from.Clone(), Type: projectfs.ChangeDeleted}}
	if replaced {
		events = append(events, projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: to.Clone(), Type: projectfs.ChangeDeleted})
	}
	events = append(events, created...)
	return append(events, projectfs.ChangeEvent{Kind: srcKind, Path: to.Clone(), Type: projectfs.ChangeCreated}), nil
}

func (fs *FileSystem) Delete(ctx context.Context, p projectfs.Path, recursive bool) error {
	const op = "delete"
	if p.IsRoot() {
		return projectfs.NewPathError(op, p, projectfs.ErrInvalidPath)
	}
	if err := fs.require(ctx, op, p, true); err != nil {
		return err
	}
	return fs.mutate(func() ([]projectfs.ChangeEvent, error) {
		info, err := fs.stat(op, p)
		if err != nil {
			return nil, err
		}
		if info.IsDir() {
			entries, err := fs.bfs.ReadDir(name(p))
			if err != nil {
				return nil, projectfs.NewPathError(op, p, err)
			}
			if len(entries) > 0 && !recursive {
				return nil, projectfs.NewPathError(op, p, projectfs.ErrDirectoryNotEmpty)
			}
			err = billyutil.RemoveAll(fs.bfs, name(p))
			if err != nil {
				return nil, projectfs.NewPathError(op, p, err)
			}
		} else if err := fs.bfs.Remove(name(p)); err != nil {
			return nil, projectfs.NewPathError(op, p, err)
		}
		fs.shadowRemove(p)
		return []projectfs.ChangeEvent{{Kind: kindOf(info), Path: p.Clone(), Type: projectfs.ChangeDeleted}}, nil
	})
}

func (fs *FileSystem) RootName(context.Context) (string, error) {
	return fs.rootName, nil
}

func (fs *FileSystem) SetRootName(context.Context, string) error {
	return projectfs.NewPathError("setRootName", nil, projectfs.ErrNotImplemented)
}

// SuggestCheckExternalChanges polls right away.
func (fs *FileSystem) SuggestCheckExternalChanges(ctx context.Context) {
	logger := util.GetLogger("Native.SuggestCheck")
	if _, err := fs.Poll(ctx); err != nil {
		logger.Debug().Err(err).Msg("Poll failed")
	}
}

// Poll diffs the live tree against the shadow, emits one external event per
// difference and returns them. The first poll only records the tree.
func (fs *FileSystem) Poll(ctx context.Context) ([]projectfs.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs.opMu.Lock()
	fs.shadowMu.Lock()
	d := &differ{live: liveTree{fs}, emit: fs.polled}
	d.walk(fs.shadow, projectfs.Path{})
	fs.polled = true
	fs.shadowMu.Unlock()
	fs.opMu.Unlock()

	if len(d.events) > 0 {
		logger := util.GetLogger("Native.Poll")
		logger.Debug().Int("changes", len(d.events)).Msg("External changes detected")
	}
	fs.emitAll(d.events)
	return d.events, nil
}

// liveTree lists directories that may currently be read.
type liveTree struct {
	fs *FileSystem
}

func (l liveTree) list(p projectfs.Path) ([]os.FileInfo, bool) {
	if l.fs.perms.state(p, false) != PermissionGranted {
		return nil, false
	}
	entries, err := l.fs.bfs.ReadDir(name(p))
	if err != nil {
		return nil, false
	}
	return entries, true
}

/* Shadow maintenance for local mutations */

// shadowSet records a node created or written locally. Directories without
// an initialized shadow are left alone; the next poll walks them fully.
func (fs *FileSystem) shadowSet(p projectfs.Path, kind projectfs.Kind, mtime time.Time) {
	fs.shadowMu.Lock()
	defer fs.shadowMu.Unlock()
	parent := fs.shadow.initializedParent(p)
	if parent == nil {
		return
	}
	if kind == projectfs.KindDirectory {
		if existing, ok := parent.children[p.Base()]; ok && existing.kind == kind {
			return
		}
		dir := newWatchDir()
		dir.initialized = true
		parent.children[p.Base()] = dir
		return
	}
	parent.children[p.Base()] = &watchNode{initialized: true, kind: kind, lastModified: mtime}
}

// shadowSeed marks p as being written by this instance until finishWrite or
// shadowRestore replaces the entry.
func (fs *FileSystem) shadowSeed(p projectfs.Path, mtime time.Time) {
	fs.shadowMu.Lock()
	defer fs.shadowMu.Unlock()
	if parent := fs.shadow.initializedParent(p); parent != nil {
		parent.children[p.Base()] = &watchNode{initialized: true, writing: true, kind: projectfs.KindFile, lastModified: mtime}
	}
}

// shadowRestore drops a seeded entry after a failed write so the next poll
// compares against the live state.
func (fs *FileSystem) shadowRestore(p projectfs.Path) {
	if info, err := fs.bfs.Stat(name(p)); err == nil {
		fs.shadowSet(p, kindOf(info), info.ModTime())
		return
	}
	fs.shadowRemove(p)
}

func (fs *FileSystem) shadowRemove(p projectfs.Path) {
	fs.shadowMu.Lock()
	defer fs.shadowMu.Unlock()
	if parent := fs.shadow.initializedParent(p); parent != nil {
		delete(parent.children, p.Base())
	}
}

func (fs *FileSystem) shadowMove(from, to projectfs.Path) {
	fs.shadowMu.Lock()
	defer fs.shadowMu.Unlock()
	src := fs.shadow.initializedParent(from)
	if src == nil {
		return
	}
	node, ok := src.children[from.Base()]
	if !ok {
		return
	}
	delete(src.children, from.Base())
	if dst := fs.shadow.initializedParent(to); dst != nil {
		dst.children[to.Base()] = node
	}
}

// Close stops polling and unregisters all listeners.
func (fs *FileSystem) Close() error {
	fs.poller.Stop()
	var err error
	if fs.watcher != nil {
		err = fs.watcher.Close()
	}
	fs.Clear()
	return err
}
