package projectfs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a path component does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotADirectory is returned when a directory was expected at a path
	// component but a file was found.
	ErrNotADirectory = errors.New("not a directory")

	// ErrNotAFile is returned when a file was expected but a directory was found.
	ErrNotAFile = errors.New("not a file")

	// ErrConflictingKind is returned when a destination already holds a node
	// that cannot be replaced, e.g. moving onto an existing file.
	ErrConflictingKind = errors.New("conflicting node at destination")

	// ErrDirectoryNotEmpty is returned when a directory must be empty for the
	// operation to proceed.
	ErrDirectoryNotEmpty = errors.New("directory not empty")

	// ErrInvalidPath is returned for paths an operation cannot act on, such as
	// deleting the root.
	ErrInvalidPath = errors.New("invalid path")

	// ErrPermissionDenied is returned when a required permission was not granted.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrStoreUnavailable is returned when the backing store was deleted or is
	// otherwise gone.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotImplemented is returned when a backend does not support an operation.
	ErrNotImplemented = errors.New("not implemented")
)

// PathError records a failed operation together with the full requested path
// and the sub-path at which resolution failed.
type PathError struct {
	Op       string
	Path     Path
	SubPath  Path // component at which the failure occurred; may equal Path
	Expected Kind // optional
	Actual   Kind // optional
	Err      error
}

func (e *PathError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %q", e.Op, "/"+e.Path.String())
	if e.SubPath != nil && !e.SubPath.Equal(e.Path) {
		fmt.Fprintf(&b, " at %q", "/"+e.SubPath.String())
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if e.Expected != "" && e.Actual != "" {
		fmt.Fprintf(&b, " (expected %s, found %s)", e.Expected, e.Actual)
	}
	return b.String()
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// NewPathError builds a PathError where the failure is at the requested path.
func NewPathError(op string, p Path, err error) *PathError {
	return &PathError{Op: op, Path: p.Clone(), SubPath: p.Clone(), Err: err}
}

// NotFoundError reports that sub (a prefix of p) does not exist.
func NotFoundError(op string, p, sub Path) *PathError {
	return &PathError{Op: op, Path: p.Clone(), SubPath: sub.Clone(), Err: ErrNotFound}
}

// KindError reports a kind mismatch at sub. The sentinel is picked from the
// expected kind: ErrNotADirectory or ErrNotAFile.
func KindError(op string, p, sub Path, expected, actual Kind) *PathError {
	err := ErrNotAFile
	if expected == KindDirectory {
		err = ErrNotADirectory
	}
	return &PathError{Op: op, Path: p.Clone(), SubPath: sub.Clone(), Expected: expected, Actual: actual, Err: err}
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
