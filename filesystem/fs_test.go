package filesystem

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/backends/memory"
	"github.com/brettbedarf/projectfs/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMemoryFS(t *testing.T) *FileSystem {
	fsys := New(memory.New())
	t.Cleanup(func() { _ = fsys.Close(context.Background()) })
	return fsys
}

func p(s string) projectfs.Path { return projectfs.ParsePath(s) }

func TestWriteTrackedUntilBackendReturns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := &mocks.MockBackend{}
	fsys := New(backend)

	release := make(chan struct{})
	entered := make(chan struct{})
	backend.On("WriteFile", mock.Anything, p("a.txt"), []byte("x")).
		Return(func(context.Context, projectfs.Path, []byte) error {
			close(entered)
			<-release
			return nil
		})

	go func() { _ = fsys.WriteFile(ctx, p("a.txt"), []byte("x")) }()
	<-entered
	assert.Equal(t, 1, fsys.PendingWrites())

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, fsys.WaitForWritesFinish(waitCtx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, fsys.WaitForWritesFinish(ctx))
	assert.Zero(t, fsys.PendingWrites())
	backend.AssertExpectations(t)
}

func TestFailedWriteStillFinishes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := &mocks.MockBackend{}
	fsys := New(backend)

	backend.On("Delete", mock.Anything, p("x"), true).Return(projectfs.ErrStoreUnavailable)
	backend.On("Move", mock.Anything, p("x"), p("y")).Return(projectfs.ErrNotFound)
	backend.On("CreateDir", mock.Anything, p("d")).Return(projectfs.ErrNotADirectory)
	backend.On("SetRootName", mock.Anything, "n").Return(projectfs.ErrNotImplemented)

	assert.ErrorIs(t, fsys.Delete(ctx, p("x"), true), projectfs.ErrStoreUnavailable)
	assert.ErrorIs(t, fsys.Move(ctx, p("x"), p("y")), projectfs.ErrNotFound)
	assert.ErrorIs(t, fsys.CreateDir(ctx, p("d")), projectfs.ErrNotADirectory)
	assert.ErrorIs(t, fsys.SetRootName(ctx, "n"), projectfs.ErrNotImplemented)
	assert.Zero(t, fsys.PendingWrites())
	backend.AssertExpectations(t)
}

type nopWriteCloser struct {
	closed atomic.Bool
}

func (w *nopWriteCloser) Write(b []byte) (int, error) { return len(b), nil }
func (w *nopWriteCloser) Close() error {
	w.closed.Store(true)
	return nil
}

func TestStreamTrackedUntilClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := &mocks.MockBackend{}
	fsys := New(backend)
	sink := &nopWriteCloser{}
	backend.On("WriteFileStream", mock.Anything, p("big.bin"), true).Return(sink, nil)

	w, err := fsys.WriteFileStream(ctx, p("big.bin"), true)
	require.NoError(t, err)
	assert.Equal(t, 1, fsys.PendingWrites())

	_, err = io.WriteString(w, "chunk")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.True(t, sink.closed.Load())
	assert.Zero(t, fsys.PendingWrites())
}

func TestStreamErrorFinishesOperation(t *testing.T) {
	t.Parallel()
	backend := &mocks.MockBackend{}
	fsys := New(backend)
	backend.On("WriteFileStream", mock.Anything, p("x"), false).Return(nil, projectfs.ErrNotImplemented)

	_, err := fsys.WriteFileStream(context.Background(), p("x"), false)
	assert.ErrorIs(t, err, projectfs.ErrNotImplemented)
	assert.Zero(t, fsys.PendingWrites())
}

func TestGetPermissionTreatsErrorsAsDenied(t *testing.T) {
	t.Parallel()
	backend := &mocks.MockBackend{}
	fsys := New(backend)
	backend.On("GetPermission", mock.Anything, p("x"), mock.Anything).Return(true, errors.New("boom"))

	assert.False(t, fsys.GetPermission(context.Background(), p("x"), projectfs.PermissionRequest{}))
}

func TestWaitForPermission(t *testing.T) {
	t.Parallel()
	mc := clock.NewMock()
	backend := &mocks.MockBackend{}
	fsys := New(backend, WithClock(mc), WithPermissionPoll(time.Second))

	var granted atomic.Bool
	backend.On("GetPermission", mock.Anything, p("proj"), projectfs.PermissionRequest{Writable: true}).
		Return(func() bool { return granted.Load() }, nil)

	done := make(chan error, 1)
	go func() { done <- fsys.WaitForPermission(context.Background(), p("proj"), true) }()

	// let the waiter block on the mock clock, then advance past a poll
	time.Sleep(10 * time.Millisecond)
	mc.Add(time.Second)
	select {
	case <-done:
		t.Fatal("returned before permission was granted")
	case <-time.After(10 * time.Millisecond):
	}

	granted.Store(true)
	require.Eventually(t, func() bool {
		mc.Add(time.Second)
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestWaitForPermissionCancelled(t *testing.T) {
	t.Parallel()
	backend := &mocks.MockBackend{}
	fsys := New(backend, WithPermissionPoll(time.Millisecond))
	backend.On("GetPermission", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, fsys.WaitForPermission(ctx, nil, false), context.DeadlineExceeded)
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	backend := &mocks.MockBackend{}
	fsys := New(backend)
	backend.On("Kind").Return(projectfs.BackendNative)
	backend.On("Capabilities").Return(projectfs.Capabilities{Streaming: true, Watch: true})

	assert.Equal(t, projectfs.BackendNative, fsys.Kind())
	assert.True(t, fsys.SupportsStreaming())
	assert.True(t, fsys.SupportsWatch())
	assert.False(t, fsys.SupportsRootRename())
	assert.Same(t, backend, fsys.Backend())
}

func TestExistsIsFileIsDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fsys := newMemoryFS(t)
	require.NoError(t, fsys.WriteText(ctx, p("dir/file.txt"), "x"))

	tests := []struct {
		path           string
		exists, isFile bool
		isDir          bool
	}{
		{"", true, false, true},
		{"dir", true, false, true},
		{"dir/file.txt", true, true, false},
		{"dir/missing", false, false, false},
		{"nope/deeper", false, false, false},
		{"dir/file.txt/below", false, false, false},
	}
	for _, tt := range tests {
		exists, err := fsys.Exists(ctx, p(tt.path))
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.exists, exists, tt.path)

		isFile, err := fsys.IsFile(ctx, p(tt.path))
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.isFile, isFile, tt.path)

		isDir, err := fsys.IsDir(ctx, p(tt.path))
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.isDir, isDir, tt.path)
	}
}

func TestExistsPropagatesBackendFailure(t *testing.T) {
	t.Parallel()
	backend := &mocks.MockBackend{}
	fsys := New(backend)
	backend.On("ReadDir", mock.Anything, p("a")).Return(nil, projectfs.ErrStoreUnavailable)

	_, err := fsys.Exists(context.Background(), p("a/b"))
	assert.ErrorIs(t, err, projectfs.ErrStoreUnavailable)
}

func TestJSONHelpers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fsys := newMemoryFS(t)

	type settings struct {
		Name  string `json:"name"`
		Scale int    `json:"scale"`
	}
	require.NoError(t, fsys.WriteJSON(ctx, p("settings/project.json"), settings{Name: "demo", Scale: 2}))

	var got settings
	require.NoError(t, fsys.ReadJSON(ctx, p("settings/project.json"), &got))
	assert.Equal(t, settings{Name: "demo", Scale: 2}, got)

	require.NoError(t, fsys.WriteText(ctx, p("bad.json"), "{"))
	assert.Error(t, fsys.ReadJSON(ctx, p("bad.json"), &got))

	_, err := fsys.ReadText(ctx, p("missing.txt"))
	assert.True(t, projectfs.IsNotFound(err))
}

func TestEventsThroughFacade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fsys := newMemoryFS(t)

	ch, cancel := fsys.Subscribe()
	defer cancel()
	var calls atomic.Int32
	token := fsys.OnChange(func(projectfs.ChangeEvent) { calls.Add(1) })

	require.NoError(t, fsys.WriteText(ctx, p("a.txt"), "x"))
	ev := <-ch
	assert.Equal(t, projectfs.ChangeEvent{Kind: projectfs.KindFile, Path: p("a.txt"), Type: projectfs.ChangeCreated}, ev)
	assert.Equal(t, int32(1), calls.Load())

	fsys.RemoveOnChange(token)
	require.NoError(t, fsys.WriteText(ctx, p("a.txt"), "y"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCloseWaitsAndClosesBackend(t *testing.T) {
	t.Parallel()
	backend := &mocks.MockBackend{}
	fsys := New(backend)
	backend.On("Close").Return(nil).Once()

	op := fsys.RequestWriteOperation()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := fsys.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	op.Done()
	backend.AssertExpectations(t)
}
