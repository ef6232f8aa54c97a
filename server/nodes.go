package server

import (
	"context"
	"errors"
	"sort"
	"syscall"
	"time"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/filesystem"
	"github.com/brettbedarf/projectfs/internal/util"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

const (
	dirMode  = fuse.S_IFDIR | 0o555
	fileMode = fuse.S_IFREG | 0o444
)

// toErrno maps file system errors to the closest errno.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, projectfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, projectfs.ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, projectfs.ErrNotAFile):
		return syscall.EISDIR
	case errors.Is(err, projectfs.ErrPermissionDenied):
		return syscall.EACCES
	case errors.Is(err, projectfs.ErrNotImplemented):
		return syscall.ENOSYS
	}
	return syscall.EIO
}

func setTimes(attr *fuse.Attr, t time.Time) {
	if t.IsZero() {
		return
	}
	attr.SetTimes(&t, &t, &t)
}

// fileAttr fills attr for f.
func fileAttr(attr *fuse.Attr, f *projectfs.File) {
	attr.Mode = fileMode
	attr.Size = uint64(len(f.Content))
	attr.Nlink = 1
	setTimes(attr, f.LastModified)
}

// dirNode is a directory of the project tree.
type dirNode struct {
	fs.Inode
	fsys *filesystem.FileSystem
	path projectfs.Path
}

var (
	_ fs.NodeLookuper  = (*dirNode)(nil)
	_ fs.NodeReaddirer = (*dirNode)(nil)
	_ fs.NodeGetattrer = (*dirNode)(nil)
)

func (d *dirNode) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = dirMode
	out.Nlink = 2
	return 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	logger := util.GetLogger("Fuse.Lookup")
	listing, err := d.fsys.ReadDir(ctx, d.path)
	if err != nil {
		logger.Debug().Err(err).Stringer("dir", d.path).Str("name", name).Msg("Lookup failed")
		return nil, toErrno(err)
	}
	p := d.path.Join(name)

	for _, dir := range listing.Directories {
		if dir == name {
			out.Mode = dirMode
			child := &dirNode{fsys: d.fsys, path: p}
			return d.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR}), 0
		}
	}
	for _, file := range listing.Files {
		if file == name {
			f, err := d.fsys.ReadFile(ctx, p)
			if err != nil {
				return nil, toErrno(err)
			}
			fileAttr(&out.Attr, f)
			child := &fileNode{fsys: d.fsys, path: p}
			return d.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG}), 0
		}
	}
	return nil, syscall.ENOENT
}

func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	listing, err := d.fsys.ReadDir(ctx, d.path)
	if err != nil {
		return nil, toErrno(err)
	}
	return fs.NewListDirStream(dirEntries(listing)), 0
}

// dirEntries lists directories first, each group sorted by name.
func dirEntries(listing projectfs.DirListing) []fuse.DirEntry {
	dirs := append([]string(nil), listing.Directories...)
	files := append([]string(nil), listing.Files...)
	sort.Strings(dirs)
	sort.Strings(files)

	entries := make([]fuse.DirEntry, 0, len(dirs)+len(files))
	for _, name := range dirs {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFDIR})
	}
	for _, name := range files {
		entries = append(entries, fuse.DirEntry{Name: name, Mode: fuse.S_IFREG})
	}
	return entries
}

// fileNode is a file of the project tree. Content is read whole on open.
type fileNode struct {
	fs.Inode
	fsys *filesystem.FileSystem
	path projectfs.Path
}

var (
	_ fs.NodeOpener    = (*fileNode)(nil)
	_ fs.NodeGetattrer = (*fileNode)(nil)
)

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if h, ok := fh.(*fileHandle); ok {
		fileAttr(&out.Attr, h.file)
		return 0
	}
	file, err := f.fsys.ReadFile(ctx, f.path)
	if err != nil {
		return toErrno(err)
	}
	fileAttr(&out.Attr, file)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_APPEND|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	file, err := f.fsys.ReadFile(ctx, f.path)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{file: file}, 0, 0
}

// fileHandle serves reads from the snapshot taken at open.
type fileHandle struct {
	file *projectfs.File
}

var _ fs.FileReader = (*fileHandle)(nil)

func (h *fileHandle) Read(_ context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data := h.file.Content
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	n := copy(dest, data[off:])
	return fuse.ReadResultData(dest[:n]), 0
}
