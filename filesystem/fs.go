package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/util"
)

const defaultPermissionPoll = 500 * time.Millisecond

// FileSystem is the contract every consumer (asset manager, preferences,
// project settings, UI) talks to. It holds one Backend strategy and adds the
// behavior shared by all backends: write operation tracking and the
// convenience helpers built on the core operations.
//
// One FileSystem is created per opened project and passed to consumers
// explicitly. Close it on project switch.
type FileSystem struct {
	backend        projectfs.Backend
	writes         *writeTracker
	clock          clock.Clock
	permissionPoll time.Duration
}

// Option configures a FileSystem.
type Option func(*FileSystem)

// WithClock replaces the clock used for permission polling.
func WithClock(c clock.Clock) Option {
	return func(fs *FileSystem) { fs.clock = c }
}

// WithPermissionPoll sets how often WaitForPermission re-checks.
func WithPermissionPoll(d time.Duration) Option {
	return func(fs *FileSystem) {
		if d > 0 {
			fs.permissionPoll = d
		}
	}
}

// New wraps backend in a FileSystem.
func New(backend projectfs.Backend, opts ...Option) *FileSystem {
	fs := &FileSystem{
		backend:        backend,
		writes:         newWriteTracker(),
		clock:          clock.New(),
		permissionPoll: defaultPermissionPoll,
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// Backend returns the underlying strategy.
func (fs *FileSystem) Backend() projectfs.Backend {
	return fs.backend
}

// Kind returns the backend kind.
func (fs *FileSystem) Kind() projectfs.BackendKind {
	return fs.backend.Kind()
}

// Capabilities returns the backend's optional features.
func (fs *FileSystem) Capabilities() projectfs.Capabilities {
	return fs.backend.Capabilities()
}

func (fs *FileSystem) SupportsStreaming() bool  { return fs.backend.Capabilities().Streaming }
func (fs *FileSystem) SupportsRootRename() bool { return fs.backend.Capabilities().RootRename }
func (fs *FileSystem) SupportsWatch() bool      { return fs.backend.Capabilities().Watch }

/* Write operations */

// RequestWriteOperation registers an outstanding write. Call Done on the
// returned operation once the write is durable or has failed.
func (fs *FileSystem) RequestWriteOperation() *WriteOperation {
	return fs.writes.start()
}

// PendingWrites returns the number of outstanding write operations.
func (fs *FileSystem) PendingWrites() int {
	return fs.writes.outstanding()
}

// WaitForWritesFinish blocks until every outstanding write operation is done.
func (fs *FileSystem) WaitForWritesFinish(ctx context.Context) error {
	return fs.writes.wait(ctx)
}

/* Permissions */

// GetPermission probes access to p. Backend failures count as not granted.
func (fs *FileSystem) GetPermission(ctx context.Context, p projectfs.Path, req projectfs.PermissionRequest) bool {
	logger := util.GetLogger("FS.GetPermission")
	ok, err := fs.backend.GetPermission(ctx, p, req)
	if err != nil {
		logger.Debug().Err(err).Stringer("path", p).Msg("Permission probe failed")
		return false
	}
	return ok
}

// WaitForPermission blocks until access to p is granted. It only returns an
// error when ctx ends.
func (fs *FileSystem) WaitForPermission(ctx context.Context, p projectfs.Path, writable bool) error {
	req := projectfs.PermissionRequest{Writable: writable}
	for {
		if fs.GetPermission(ctx, p, req) {
			return nil
		}
		select {
		case <-fs.clock.After(fs.permissionPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

/* Core operations */

// ReadDir lists the files and directories directly below p.
func (fs *FileSystem) ReadDir(ctx context.Context, p projectfs.Path) (projectfs.DirListing, error) {
	return fs.backend.ReadDir(ctx, p)
}

// CreateDir creates p and any missing parents. It is a no-op if p already is a
// directory.
func (fs *FileSystem) CreateDir(ctx context.Context, p projectfs.Path) error {
	op := fs.RequestWriteOperation()
	defer op.Done()
	return fs.backend.CreateDir(ctx, p)
}

// ReadFile returns the content and metadata of the file at p.
func (fs *FileSystem) ReadFile(ctx context.Context, p projectfs.Path) (*projectfs.File, error) {
	return fs.backend.ReadFile(ctx, p)
}

// WriteFile creates or overwrites the file at p, creating missing parents.
func (fs *FileSystem) WriteFile(ctx context.Context, p projectfs.Path, data []byte) error {
	op := fs.RequestWriteOperation()
	defer op.Done()
	return fs.backend.WriteFile(ctx, p, data)
}

// WriteFileStream opens an incremental sink at p. The write operation stays
// outstanding until the sink is closed.
func (fs *FileSystem) WriteFileStream(ctx context.Context, p projectfs.Path, keepExistingData bool) (io.WriteCloser, error) {
	op := fs.RequestWriteOperation()
	w, err := fs.backend.WriteFileStream(ctx, p, keepExistingData)
	if err != nil {
		op.Done()
		return nil, err
	}
	return &trackedWriter{WriteCloser: w, op: op}, nil
}

// Move relocates from to to, keeping content intact.
func (fs *FileSystem) Move(ctx context.Context, from, to projectfs.Path) error {
	op := fs.RequestWriteOperation()
	defer op.Done()
	return fs.backend.Move(ctx, from, to)
}

// Delete removes p. Non-empty directories require recursive.
func (fs *FileSystem) Delete(ctx context.Context, p projectfs.Path, recursive bool) error {
	op := fs.RequestWriteOperation()
	defer op.Done()
	return fs.backend.Delete(ctx, p, recursive)
}

// RootName returns the name of the root directory.
func (fs *FileSystem) RootName(ctx context.Context) (string, error) {
	return fs.backend.RootName(ctx)
}

// SetRootName renames the root where the backend supports it.
func (fs *FileSystem) SetRootName(ctx context.Context, name string) error {
	op := fs.RequestWriteOperation()
	defer op.Done()
	return fs.backend.SetRootName(ctx, name)
}

// SuggestCheckExternalChanges hints that files may have been modified outside
// this instance.
func (fs *FileSystem) SuggestCheckExternalChanges(ctx context.Context) {
	fs.backend.SuggestCheckExternalChanges(ctx)
}

/* Change events */

// OnChange registers a listener for change events.
func (fs *FileSystem) OnChange(fn projectfs.ChangeListener) projectfs.ListenerToken {
	return fs.backend.OnChange(fn)
}

// RemoveOnChange unregisters a listener.
func (fs *FileSystem) RemoveOnChange(token projectfs.ListenerToken) {
	fs.backend.RemoveOnChange(token)
}

// Subscribe returns a channel of change events and its cancel func.
func (fs *FileSystem) Subscribe() (<-chan projectfs.ChangeEvent, func()) {
	return fs.backend.Subscribe(0)
}

// Close waits for outstanding writes (bounded by ctx) and closes the backend.
func (fs *FileSystem) Close(ctx context.Context) error {
	logger := util.GetLogger("FS.Close")
	waitErr := fs.WaitForWritesFinish(ctx)
	if waitErr != nil {
		logger.Warn().Err(waitErr).Int("pending", fs.PendingWrites()).Msg("Closing with writes outstanding")
	}
	return errors.Join(waitErr, fs.backend.Close())
}

/* Helpers shared by all backends */

// Exists reports whether anything is at p. Resolution failures caused by
// missing or mismatched components count as absent.
func (fs *FileSystem) Exists(ctx context.Context, p projectfs.Path) (bool, error) {
	kind, err := fs.stat(ctx, p)
	if err != nil {
		return false, err
	}
	return kind != projectfs.KindUnknown, nil
}

// IsFile reports whether p is an existing file.
func (fs *FileSystem) IsFile(ctx context.Context, p projectfs.Path) (bool, error) {
	kind, err := fs.stat(ctx, p)
	return kind == projectfs.KindFile, err
}

// IsDir reports whether p is an existing directory.
func (fs *FileSystem) IsDir(ctx context.Context, p projectfs.Path) (bool, error) {
	kind, err := fs.stat(ctx, p)
	return kind == projectfs.KindDirectory, err
}

// stat finds the kind of p by listing its parent. KindUnknown means absent.
func (fs *FileSystem) stat(ctx context.Context, p projectfs.Path) (projectfs.Kind, error) {
	if p.IsRoot() {
		return projectfs.KindDirectory, nil
	}
	listing, err := fs.backend.ReadDir(ctx, p.Parent())
	if err != nil {
		if errors.Is(err, projectfs.ErrNotFound) || errors.Is(err, projectfs.ErrNotADirectory) {
			return projectfs.KindUnknown, nil
		}
		return projectfs.KindUnknown, err
	}
	name := p.Base()
	for _, f := range listing.Files {
		if f == name {
			return projectfs.KindFile, nil
		}
	}
	for _, d := range listing.Directories {
		if d == name {
			return projectfs.KindDirectory, nil
		}
	}
	return projectfs.KindUnknown, nil
}

// ReadText reads the file at p as a string.
func (fs *FileSystem) ReadText(ctx context.Context, p projectfs.Path) (string, error) {
	f, err := fs.ReadFile(ctx, p)
	if err != nil {
		return "", err
	}
	return f.Text(), nil
}

// WriteText writes s to the file at p.
func (fs *FileSystem) WriteText(ctx context.Context, p projectfs.Path, s string) error {
	return fs.WriteFile(ctx, p, []byte(s))
}

// ReadJSON decodes the file at p into v.
func (fs *FileSystem) ReadJSON(ctx context.Context, p projectfs.Path, v any) error {
	f, err := fs.ReadFile(ctx, p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(f.Content, v); err != nil {
		return fmt.Errorf("decode %q: %w", "/"+p.String(), err)
	}
	return nil
}

// WriteJSON encodes v as indented JSON into the file at p.
func (fs *FileSystem) WriteJSON(ctx context.Context, p projectfs.Path, v any) error {
	data, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return fmt.Errorf("encode %q: %w", "/"+p.String(), err)
	}
	return fs.WriteFile(ctx, p, data)
}

// trackedWriter finishes its write operation on Close.
type trackedWriter struct {
	io.WriteCloser
	op *WriteOperation
}

func (w *trackedWriter) Close() error {
	defer w.op.Done()
	return w.WriteCloser.Close()
}
