package memory

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/internal/fstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *FileSystem {
	fs := New()
	t.Cleanup(func() { _ = fs.Close() })
	return fs
}

func TestContract(t *testing.T) {
	t.Parallel()
	fstest.RunContract(t, func(t *testing.T) projectfs.Backend { return newTestFS(t) })
}

func TestLoad(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newTestFS(t)
	rec := fstest.Record(fs)

	require.NoError(t, fs.WriteFile(ctx, projectfs.ParsePath("old.txt"), []byte("gone")))
	rec.Reset()

	err := fs.Load(map[string][]byte{
		"project.json":           []byte(`{"name":"demo"}`),
		"assets/images/logo.png": {0x89},
		"assets/empty/":          nil,
		"/":                      nil,
	})
	require.NoError(t, err)
	assert.Empty(t, rec.Events())

	listing, err := fs.ReadDir(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"project.json"}, listing.Files)
	assert.Equal(t, []string{"assets"}, listing.Directories)

	listing, err = fs.ReadDir(ctx, projectfs.ParsePath("assets"))
	require.NoError(t, err)
	assert.Equal(t, []string{"empty", "images"}, listing.Directories)

	_, err = fs.ReadFile(ctx, projectfs.ParsePath("old.txt"))
	assert.ErrorIs(t, err, projectfs.ErrNotFound)
}

func TestLoadConflict(t *testing.T) {
	t.Parallel()
	fs := newTestFS(t)

	err := fs.Load(map[string][]byte{
		"a":     []byte("file"),
		"a/b.c": []byte("nested"),
	})
	require.ErrorIs(t, err, projectfs.ErrNotADirectory)
}

func TestModificationTimes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	fs := New(WithClock(mock))

	p := projectfs.ParsePath("notes/today.txt")
	require.NoError(t, fs.WriteFile(ctx, p, []byte("a")))
	f, err := fs.ReadFile(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, mock.Now(), f.LastModified)

	mock.Add(time.Minute)
	require.NoError(t, fs.WriteFile(ctx, p, []byte("b")))
	f, err = fs.ReadFile(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, mock.Now(), f.LastModified)
}

func TestReadFileReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newTestFS(t)
	p := projectfs.ParsePath("data.bin")

	data := []byte{1, 2, 3}
	require.NoError(t, fs.WriteFile(ctx, p, data))
	data[0] = 9

	f, err := fs.ReadFile(ctx, p)
	require.NoError(t, err)
	f.Content[1] = 9

	again, err := fs.ReadFile(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again.Content)
}

func TestCreatedParentEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newTestFS(t)
	rec := fstest.Record(fs)

	require.NoError(t, fs.WriteFile(ctx, projectfs.ParsePath("a/b/c.txt"), []byte("x")))

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, projectfs.ParsePath("a"), events[0].Path)
	assert.Equal(t, projectfs.KindDirectory, events[0].Kind)
	assert.Equal(t, projectfs.ParsePath("a/b"), events[1].Path)
	assert.Equal(t, projectfs.ParsePath("a/b/c.txt"), events[2].Path)
	assert.Equal(t, projectfs.ChangeCreated, events[2].Type)
}

func TestRootName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := New(WithRootName("demo"))

	name, err := fs.RootName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "demo", name)

	require.NoError(t, fs.SetRootName(ctx, "renamed"))
	name, err = fs.RootName(ctx)
	require.NoError(t, err)
	assert.Equal(t, "renamed", name)
	assert.True(t, fs.Capabilities().RootRename)
}

func TestUnsupported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newTestFS(t)

	_, err := fs.WriteFileStream(ctx, projectfs.ParsePath("x"), false)
	assert.ErrorIs(t, err, projectfs.ErrNotImplemented)

	ok, err := fs.GetPermission(ctx, projectfs.ParsePath("x"), projectfs.PermissionRequest{Writable: true})
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, fs.WriteFile(ctx, nil, []byte("x")), projectfs.ErrInvalidPath)
	assert.ErrorIs(t, fs.Move(ctx, nil, projectfs.ParsePath("x")), projectfs.ErrInvalidPath)
}

func TestMoveSamePathIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := newTestFS(t)
	p := projectfs.ParsePath("same.txt")
	require.NoError(t, fs.WriteFile(ctx, p, []byte("x")))

	rec := fstest.Record(fs)
	require.NoError(t, fs.Move(ctx, p, p))
	assert.Empty(t, rec.Events())
}
