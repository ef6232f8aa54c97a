// Package server exposes a project file system as a read-only FUSE mount.
package server

import (
	"sync"
	"time"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/config"
	"github.com/brettbedarf/projectfs/filesystem"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// DefaultCacheTimeout is how long the kernel may cache entries and attributes.
// Change events invalidate earlier.
const DefaultCacheTimeout = time.Second

// Server mounts a FileSystem and keeps the kernel cache in step with its
// change events.
type Server struct {
	fsys   *filesystem.FileSystem
	opts   config.MountOptions
	logLvl util.LogLevel

	mu     sync.Mutex
	server *fuse.Server
	root   *dirNode
	token  projectfs.ListenerToken
}

// New creates a Server for fsys. Nothing is mounted until Serve.
func New(fsys *filesystem.FileSystem, cfg *config.Config) *Server {
	return &Server{
		fsys:   fsys,
		opts:   cfg.MountOptions,
		logLvl: cfg.LogLvl,
	}
}

// Serve mounts the file system at mountPoint and returns once the mount is
// ready. Requests are served in the background until Unmount.
func (s *Server) Serve(mountPoint string) error {
	logger := util.GetLogger("Server.Serve")
	root := &dirNode{fsys: s.fsys}
	timeout := DefaultCacheTimeout
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:   s.opts.Name,
			FsName: s.opts.FsName,
			Debug:  s.opts.Debug || s.logLvl == util.TraceLevel,
			Logger: util.NewLogLogger("FuseServer", util.TraceLevel),
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
	}

	srv, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.server, s.root = srv, root
	s.token = s.fsys.OnChange(s.invalidate)
	s.mu.Unlock()

	logger.Info().Str("mount", mountPoint).Msg("Mounted")
	return nil
}

// ServeAsync runs Serve in a goroutine. The channel yields Serve's result and
// is closed once the file system is unmounted.
func (s *Server) ServeAsync(mountPoint string) <-chan error {
	done := make(chan error, 1)

	go func() {
		defer close(done)
		err := s.Serve(mountPoint)
		done <- err
		if err == nil {
			s.Wait()
		}
	}()

	return done
}

// Wait blocks until the file system is unmounted.
func (s *Server) Wait() {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		srv.Wait()
	}
}

// Unmount cleanly unmounts the file system.
func (s *Server) Unmount() error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.fsys.RemoveOnChange(s.token)
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Unmount()
}

// invalidate drops cached kernel state for the node at ev.Path.
func (s *Server) invalidate(ev projectfs.ChangeEvent) {
	s.mu.Lock()
	root := s.root
	mounted := s.server != nil
	s.mu.Unlock()
	if !mounted || ev.Path.IsRoot() {
		return
	}

	parent := root.EmbeddedInode()
	for _, name := range ev.Path.Parent() {
		if parent = parent.GetChild(name); parent == nil {
			// never looked up, nothing cached
			return
		}
	}
	base := ev.Path.Base()
	if child := parent.GetChild(base); child != nil && ev.Type == projectfs.ChangeChanged {
		_ = child.NotifyContent(0, 0)
	}
	_ = parent.NotifyEntry(base)
}
