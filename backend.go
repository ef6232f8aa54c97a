package projectfs

import (
	"context"
	"io"
)

// BackendKind is the closed set of storage backends.
type BackendKind string

const (
	BackendMemory      BackendKind = "memory"
	BackendPointerTree BackendKind = "pointertree"
	BackendNative      BackendKind = "native"
	BackendRemote      BackendKind = "remote"
)

// Valid reports whether k is one of the known backend kinds.
func (k BackendKind) Valid() bool {
	switch k {
	case BackendMemory, BackendPointerTree, BackendNative, BackendRemote:
		return true
	}
	return false
}

// Capabilities lists the optional features a backend supports.
type Capabilities struct {
	Streaming  bool // WriteFileStream
	RootRename bool // SetRootName
	Watch      bool // external change detection
}

// PermissionRequest describes the access being probed.
type PermissionRequest struct {
	Writable bool
	// Prompt asks the user when the permission is not yet decided. It only has
	// an effect when the context carries a user gesture.
	Prompt bool
}

// Backend is the storage strategy behind a FileSystem. Implementations must be
// safe for concurrent use and emit a ChangeEvent through their Notifier after
// every successful mutation.
//
// Backends do not track write operations; the FileSystem facade does that.
type Backend interface {
	Kind() BackendKind
	Capabilities() Capabilities

	GetPermission(ctx context.Context, p Path, req PermissionRequest) (bool, error)

	ReadDir(ctx context.Context, p Path) (DirListing, error)
	CreateDir(ctx context.Context, p Path) error
	ReadFile(ctx context.Context, p Path) (*File, error)
	WriteFile(ctx context.Context, p Path, data []byte) error
	// WriteFileStream returns a sink that writes incrementally. The change event
	// is emitted when the sink is closed.
	WriteFileStream(ctx context.Context, p Path, keepExistingData bool) (io.WriteCloser, error)
	Move(ctx context.Context, from, to Path) error
	Delete(ctx context.Context, p Path, recursive bool) error

	RootName(ctx context.Context) (string, error)
	SetRootName(ctx context.Context, name string) error

	// SuggestCheckExternalChanges is a hint that external modifications may
	// have happened. Backends without change detection ignore it.
	SuggestCheckExternalChanges(ctx context.Context)

	OnChange(fn ChangeListener) ListenerToken
	RemoveOnChange(token ListenerToken)
	Subscribe(buffer int) (<-chan ChangeEvent, func())

	// Close stops background work and unregisters all listeners.
	Close() error
}

type userGestureKey struct{}

// WithUserGesture marks ctx as originating from a user gesture. Permission
// prompts are only shown for such contexts.
func WithUserGesture(ctx context.Context) context.Context {
	return context.WithValue(ctx, userGestureKey{}, true)
}

// HasUserGesture reports whether ctx was marked by WithUserGesture.
func HasUserGesture(ctx context.Context) bool {
	v, _ := ctx.Value(userGestureKey{}).(bool)
	return v
}
