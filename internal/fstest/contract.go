// Package fstest holds the behavior checks every backend must pass.
package fstest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brettbedarf/projectfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty backend. The factory registers its own cleanup.
type Factory func(t *testing.T) projectfs.Backend

// Recorder collects change events from a backend.
type Recorder struct {
	mu     sync.Mutex
	events []projectfs.ChangeEvent
}

// Record registers a Recorder on b.
func Record(b projectfs.Backend) *Recorder {
	r := &Recorder{}
	b.OnChange(func(ev projectfs.ChangeEvent) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})
	return r
}

// Events returns a copy of what was recorded so far.
func (r *Recorder) Events() []projectfs.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]projectfs.ChangeEvent(nil), r.events...)
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

// Contains reports whether an event matching want was recorded.
func (r *Recorder) Contains(want projectfs.ChangeEvent) bool {
	return r.Index(want) >= 0
}

// Count returns how many recorded events match want.
func (r *Recorder) Count(want projectfs.ChangeEvent) int {
	n := 0
	for _, ev := range r.Events() {
		if matches(ev, want) {
			n++
		}
	}
	return n
}

// Index returns the position of the first event matching want, or -1.
func (r *Recorder) Index(want projectfs.ChangeEvent) int {
	for i, ev := range r.Events() {
		if matches(ev, want) {
			return i
		}
	}
	return -1
}

func matches(ev, want projectfs.ChangeEvent) bool {
	return ev.External == want.External && ev.Kind == want.Kind && ev.Type == want.Type && ev.Path.Equal(want.Path)
}

// WaitFor fails the test if no event matching want shows up in time.
func (r *Recorder) WaitFor(t *testing.T, want projectfs.ChangeEvent) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Contains(want) }, 2*time.Second, 5*time.Millisecond,
		"missing event %+v, got %+v", want, r.Events())
}

func p(s string) projectfs.Path { return projectfs.ParsePath(s) }

// RunContract runs the shared backend behavior tests.
func RunContract(t *testing.T, newBackend Factory) {
	ctx := context.Background()

	t.Run("WriteReadRoundTrip", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.WriteFile(ctx, p("dir/sub/note.txt"), []byte("hello")))

		f, err := b.ReadFile(ctx, p("dir/sub/note.txt"))
		require.NoError(t, err)
		assert.Equal(t, "note.txt", f.Name)
		assert.Equal(t, []byte("hello"), f.Content)
		assert.Contains(t, f.MimeType, "text/plain")
		assert.False(t, f.LastModified.IsZero())

		listing, err := b.ReadDir(ctx, p("dir"))
		require.NoError(t, err)
		assert.Equal(t, []string{"sub"}, listing.Directories)
		assert.Empty(t, listing.Files)
	})

	t.Run("EmptyFile", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.WriteFile(ctx, p("empty.bin"), nil))
		f, err := b.ReadFile(ctx, p("empty.bin"))
		require.NoError(t, err)
		assert.Empty(t, f.Content)
	})

	t.Run("OverwriteKeepsSingleEntry", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.WriteFile(ctx, p("a.json"), []byte("{}")))
		require.NoError(t, b.WriteFile(ctx, p("a.json"), []byte(`{"v":2}`)))

		listing, err := b.ReadDir(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a.json"}, listing.Files)

		f, err := b.ReadFile(ctx, p("a.json"))
		require.NoError(t, err)
		assert.Equal(t, `{"v":2}`, f.Text())
	})

	t.Run("CreateDirIdempotent", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.CreateDir(ctx, p("a/b/c")))
		require.NoError(t, b.CreateDir(ctx, p("a/b/c")))
		require.NoError(t, b.CreateDir(ctx, p("a/b")))

		listing, err := b.ReadDir(ctx, p("a/b"))
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, listing.Directories)

		listing, err = b.ReadDir(ctx, p("a/b/c"))
		require.NoError(t, err)
		assert.Zero(t, listing.Len())
	})

	t.Run("CreateDirThroughFileFails", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.WriteFile(ctx, p("a/file"), []byte("x")))

		err := b.CreateDir(ctx, p("a/file/sub"))
		require.ErrorIs(t, err, projectfs.ErrNotADirectory)

		err = b.WriteFile(ctx, p("a/file/sub/x.txt"), []byte("x"))
		require.ErrorIs(t, err, projectfs.ErrNotADirectory)
	})

	t.Run("KindMismatch", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.WriteFile(ctx, p("dir/file.txt"), []byte("x")))

		_, err := b.ReadFile(ctx, p("dir"))
		require.ErrorIs(t, err, projectfs.ErrNotAFile)

		_, err = b.ReadDir(ctx, p("dir/file.txt"))
		require.ErrorIs(t, err, projectfs.ErrNotADirectory)

		err = b.WriteFile(ctx, p("dir"), []byte("x"))
		require.ErrorIs(t, err, projectfs.ErrNotAFile)
	})

	t.Run("Missing", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.ReadFile(ctx, p("nope.txt"))
		require.ErrorIs(t, err, projectfs.ErrNotFound)

		_, err = b.ReadDir(ctx, p("nope/deeper"))
		require.ErrorIs(t, err, projectfs.ErrNotFound)

		var pathErr *projectfs.PathError
		require.ErrorAs(t, err, &pathErr)
		assert.Equal(t, p("nope/deeper"), pathErr.Path)

		err = b.Delete(ctx, p("nope"), false)
		require.ErrorIs(t, err, projectfs.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.WriteFile(ctx, p("a/b/c.txt"), []byte("x")))
		require.NoError(t, b.WriteFile(ctx, p("a/d.txt"), []byte("y")))

		err := b.Delete(ctx, p("a"), false)
		require.ErrorIs(t, err, projectfs.ErrDirectoryNotEmpty)

		err = b.Delete(ctx, nil, true)
		require.ErrorIs(t, err, projectfs.ErrInvalidPath)

		require.NoError(t, b.Delete(ctx, p("a/d.txt"), false))
		require.NoError(t, b.Delete(ctx, p("a"), true))

		listing, err := b.ReadDir(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, listing.Len())

		require.NoError(t, b.CreateDir(ctx, p("empty")))
		require.NoError(t, b.Delete(ctx, p("empty"), false))
	})

	t.Run("MoveFile", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.WriteFile(ctx, p("src/one.txt"), []byte("payload")))
		require.NoError(t, b.Move(ctx, p("src/one.txt"), p("dst/two.md")))

		f, err := b.ReadFile(ctx, p("dst/two.md"))
		require.NoError(t, err)
		assert.Equal(t, "payload", f.Text())
		assert.Equal(t, "two.md", f.Name)

		_, err = b.ReadFile(ctx, p("src/one.txt"))
		require.ErrorIs(t, err, projectfs.ErrNotFound)
	})

	t.Run("MoveDirectory", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.WriteFile(ctx, p("a/b/c.txt"), []byte("deep")))
		require.NoError(t, b.CreateDir(ctx, p("target")))

		// an empty destination directory is replaced
		require.NoError(t, b.Move(ctx, p("a"), p("target")))

		f, err := b.ReadFile(ctx, p("target/b/c.txt"))
		require.NoError(t, err)
		assert.Equal(t, "deep", f.Text())

		listing, err := b.ReadDir(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"target"}, listing.Directories)
	})

	t.Run("MoveReplacingDirectoryEvents", func(t *testing.T) {
		b := newBackend(t)
		rec := Record(b)
		deleted := projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: p("target"), Type: projectfs.ChangeDeleted}
		created := projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: p("target"), Type: projectfs.ChangeCreated}

		require.NoError(t, b.WriteFile(ctx, p("a/c.txt"), []byte("x")))
		require.NoError(t, b.CreateDir(ctx, p("target")))
		rec.WaitFor(t, created)
		rec.Reset()

		require.NoError(t, b.Move(ctx, p("a"), p("target")))

		rec.WaitFor(t, projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: p("a"), Type: projectfs.ChangeDeleted})
		rec.WaitFor(t, deleted)
		rec.WaitFor(t, created)
		assert.Less(t, rec.Index(deleted), rec.Index(created), "replaced directory must be deleted before the move lands: %+v", rec.Events())
	})

	t.Run("MoveOntoNonEmptyFails", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.WriteFile(ctx, p("x/file.txt"), []byte("x")))
		require.NoError(t, b.WriteFile(ctx, p("y/other.txt"), []byte("y")))

		err := b.Move(ctx, p("x"), p("y"))
		require.ErrorIs(t, err, projectfs.ErrDirectoryNotEmpty)

		err = b.Move(ctx, p("x/file.txt"), p("y/other.txt"))
		require.ErrorIs(t, err, projectfs.ErrConflictingKind)

		// both sides unchanged
		f, err := b.ReadFile(ctx, p("x/file.txt"))
		require.NoError(t, err)
		assert.Equal(t, "x", f.Text())
		f, err = b.ReadFile(ctx, p("y/other.txt"))
		require.NoError(t, err)
		assert.Equal(t, "y", f.Text())
	})

	t.Run("MoveIntoItselfFails", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.CreateDir(ctx, p("a/b")))
		err := b.Move(ctx, p("a"), p("a/b/c"))
		require.ErrorIs(t, err, projectfs.ErrInvalidPath)
	})

	t.Run("ConcurrentCreateDir", func(t *testing.T) {
		b := newBackend(t)
		rec := Record(b)
		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = b.CreateDir(ctx, p("shared/child"))
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		listing, err := b.ReadDir(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"shared"}, listing.Directories)
		listing, err = b.ReadDir(ctx, p("shared"))
		require.NoError(t, err)
		assert.Equal(t, []string{"child"}, listing.Directories)

		// each segment is reported created exactly once
		for _, dir := range []projectfs.Path{p("shared"), p("shared/child")} {
			ev := projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: dir, Type: projectfs.ChangeCreated}
			rec.WaitFor(t, ev)
			assert.Equal(t, 1, rec.Count(ev), "events: %+v", rec.Events())
		}
	})

	t.Run("ConcurrentWritesInOneDirectory", func(t *testing.T) {
		b := newBackend(t)
		var wg sync.WaitGroup
		for i := range 6 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, b.WriteFile(ctx, p(fmt.Sprintf("assets/f%d.txt", i)), []byte("x")))
			}(i)
		}
		wg.Wait()

		listing, err := b.ReadDir(ctx, p("assets"))
		require.NoError(t, err)
		assert.Len(t, listing.Files, 6)
	})

	t.Run("Scenario", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.CreateDir(ctx, p("assets/images")))
		require.NoError(t, b.WriteFile(ctx, p("project.json"), []byte(`{"name":"demo"}`)))
		require.NoError(t, b.WriteFile(ctx, p("assets/images/logo.png"), []byte{0x89, 0x50}))
		require.NoError(t, b.WriteFile(ctx, p("assets/readme.txt"), []byte("hi")))

		listing, err := b.ReadDir(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"project.json"}, listing.Files)
		assert.Equal(t, []string{"assets"}, listing.Directories)

		listing, err = b.ReadDir(ctx, p("assets"))
		require.NoError(t, err)
		assert.Equal(t, []string{"readme.txt"}, listing.Files)
		assert.Equal(t, []string{"images"}, listing.Directories)

		f, err := b.ReadFile(ctx, p("assets/images/logo.png"))
		require.NoError(t, err)
		assert.Equal(t, "image/png", f.MimeType)
	})

	t.Run("Events", func(t *testing.T) {
		b := newBackend(t)
		rec := Record(b)

		require.NoError(t, b.WriteFile(ctx, p("e.txt"), []byte("1")))
		rec.WaitFor(t, projectfs.ChangeEvent{Kind: projectfs.KindFile, Path: p("e.txt"), Type: projectfs.ChangeCreated})

		require.NoError(t, b.WriteFile(ctx, p("e.txt"), []byte("2")))
		rec.WaitFor(t, projectfs.ChangeEvent{Kind: projectfs.KindFile, Path: p("e.txt"), Type: projectfs.ChangeChanged})

		require.NoError(t, b.CreateDir(ctx, p("d")))
		rec.WaitFor(t, projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: p("d"), Type: projectfs.ChangeCreated})

		require.NoError(t, b.Move(ctx, p("e.txt"), p("d/e.txt")))
		rec.WaitFor(t, projectfs.ChangeEvent{Kind: projectfs.KindFile, Path: p("e.txt"), Type: projectfs.ChangeDeleted})
		rec.WaitFor(t, projectfs.ChangeEvent{Kind: projectfs.KindFile, Path: p("d/e.txt"), Type: projectfs.ChangeCreated})

		require.NoError(t, b.Delete(ctx, p("d"), true))
		rec.WaitFor(t, projectfs.ChangeEvent{Kind: projectfs.KindDirectory, Path: p("d"), Type: projectfs.ChangeDeleted})

		for _, ev := range rec.Events() {
			assert.False(t, ev.External, "local mutation reported as external: %+v", ev)
		}
	})

	t.Run("SubscribeAndRemove", func(t *testing.T) {
		b := newBackend(t)
		ch, cancel := b.Subscribe(4)
		defer cancel()

		calls := 0
		var mu sync.Mutex
		token := b.OnChange(func(projectfs.ChangeEvent) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
		b.RemoveOnChange(token)

		require.NoError(t, b.WriteFile(ctx, p("s.txt"), []byte("x")))
		select {
		case ev := <-ch:
			assert.Equal(t, p("s.txt"), ev.Path)
		case <-time.After(2 * time.Second):
			t.Fatal("no event on subscription")
		}
		mu.Lock()
		assert.Zero(t, calls)
		mu.Unlock()
	})

	t.Run("PathsAreVerbatim", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.WriteFile(ctx, projectfs.Path{"with space", "ünïcode.txt"}, []byte("x")))
		listing, err := b.ReadDir(ctx, projectfs.Path{"with space"})
		require.NoError(t, err)
		assert.Equal(t, []string{"ünïcode.txt"}, listing.Files)
	})
}
