package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/backends/memory"
	"github.com/brettbedarf/projectfs/config"
	"github.com/brettbedarf/projectfs/filesystem"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToErrno(t *testing.T) {
	t.Parallel()
	p := projectfs.ParsePath("a/b")
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{projectfs.NotFoundError("readDir", p, p), syscall.ENOENT},
		{projectfs.KindError("readDir", p, p, projectfs.KindDirectory, projectfs.KindFile), syscall.ENOTDIR},
		{projectfs.KindError("readFile", p, p, projectfs.KindFile, projectfs.KindDirectory), syscall.EISDIR},
		{fmt.Errorf("wrapped: %w", projectfs.ErrPermissionDenied), syscall.EACCES},
		{projectfs.ErrNotImplemented, syscall.ENOSYS},
		{projectfs.ErrStoreUnavailable, syscall.EIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toErrno(tt.err), "%v", tt.err)
	}
}

func TestDirEntries(t *testing.T) {
	t.Parallel()
	entries := dirEntries(projectfs.DirListing{
		Files:       []string{"z.txt", "a.txt"},
		Directories: []string{"src", "assets"},
	})

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	assert.Equal(t, []string{"assets", "src", "a.txt", "z.txt"}, names)
	assert.Equal(t, uint32(fuse.S_IFDIR), entries[0].Mode)
	assert.Equal(t, uint32(fuse.S_IFREG), entries[3].Mode)
}

func TestFileAttr(t *testing.T) {
	t.Parallel()
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var attr fuse.Attr
	fileAttr(&attr, &projectfs.File{Name: "x", Content: []byte("hello"), LastModified: mtime})

	assert.Equal(t, uint32(fileMode), attr.Mode)
	assert.Equal(t, uint64(5), attr.Size)
	assert.Equal(t, uint64(mtime.Unix()), attr.Mtime)
}

func TestFileHandleRead(t *testing.T) {
	t.Parallel()
	h := &fileHandle{file: &projectfs.File{Content: []byte("hello world")}}
	buf := make([]byte, 5)

	res, errno := h.Read(context.Background(), buf, 6)
	require.Zero(t, errno)
	data, _ := res.Bytes(nil)
	assert.Equal(t, "world", string(data))

	res, errno = h.Read(context.Background(), buf, 100)
	require.Zero(t, errno)
	data, _ = res.Bytes(nil)
	assert.Empty(t, data)
}

// TestMount needs a FUSE capable host.
func TestMount(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping FUSE mount in short mode")
	}
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("FUSE not available")
	}
	ctx := context.Background()

	backend := memory.New()
	require.NoError(t, backend.Load(map[string][]byte{
		"project.json":        []byte(`{"name":"demo"}`),
		"assets/img/logo.png": {0x89, 'P', 'N', 'G'},
	}))
	fsys := filesystem.New(backend)
	srv := New(fsys, config.NewDefaultConfig())

	mnt := t.TempDir()
	if err := srv.Serve(mnt); err != nil {
		t.Skipf("mount failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Unmount() })

	data, err := os.ReadFile(filepath.Join(mnt, "project.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"demo"}`, string(data))

	entries, err := os.ReadDir(filepath.Join(mnt, "assets"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsDir())

	err = os.WriteFile(filepath.Join(mnt, "project.json"), []byte("x"), 0o644)
	assert.Error(t, err)

	require.NoError(t, fsys.WriteText(ctx, projectfs.ParsePath("project.json"), `{"name":"changed"}`))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(mnt, "project.json"))
		return err == nil && string(data) == `{"name":"changed"}`
	}, 5*time.Second, 50*time.Millisecond)
}
