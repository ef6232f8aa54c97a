package projectfs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathErrorMessage(t *testing.T) {
	t.Parallel()
	err := KindError("readDir", ParsePath("a/b/c"), ParsePath("a/b"), KindDirectory, KindFile)
	assert.Equal(t, `readDir "/a/b/c" at "/a/b": not a directory (expected directory, found file)`, err.Error())

	err = NewPathError("delete", nil, ErrInvalidPath)
	assert.Equal(t, `delete "/": invalid path`, err.Error())
}

func TestPathErrorUnwrap(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("loading: %w", NotFoundError("readFile", ParsePath("x/y"), ParsePath("x")))
	assert.True(t, IsNotFound(wrapped))

	var pe *PathError
	assert.True(t, errors.As(wrapped, &pe))
	assert.Equal(t, ParsePath("x"), pe.SubPath)

	assert.ErrorIs(t, KindError("readFile", nil, nil, KindFile, KindDirectory), ErrNotAFile)
	assert.False(t, IsNotFound(ErrNotAFile))
}

func TestPathErrorCopiesPaths(t *testing.T) {
	t.Parallel()
	p := ParsePath("a/b")
	err := NewPathError("op", p, ErrNotFound)
	p[0] = "changed"
	assert.Equal(t, "a", err.Path[0])
}
