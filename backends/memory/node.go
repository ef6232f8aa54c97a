package memory

import (
	"slices"
	"time"

	"github.com/brettbedarf/projectfs"
	"github.com/puzpuzpuz/xsync/v4"
)

// node is one file or directory of the in-memory tree. Structural fields
// (parent, name, children membership) are protected by the FileSystem lock;
// the children map itself is safe for concurrent reads.
type node struct {
	name     string
	parent   *node
	kind     projectfs.Kind
	children *xsync.Map[string, *node] // nil for files
	content  []byte
	mimeType string
	mtime    time.Time
}

func newDirNode(name string, now time.Time) *node {
	return &node{
		name:     name,
		kind:     projectfs.KindDirectory,
		children: xsync.NewMap[string, *node](),
		mtime:    now,
	}
}

func newFileNode(name string, data []byte, now time.Time) *node {
	n := &node{name: name, kind: projectfs.KindFile}
	n.setContent(data, now)
	return n
}

func (n *node) isDir() bool {
	return n.kind == projectfs.KindDirectory
}

// setContent stores a private copy of data.
func (n *node) setContent(data []byte, now time.Time) {
	n.content = slices.Clone(data)
	if n.content == nil {
		n.content = []byte{}
	}
	n.mimeType = projectfs.MimeTypeFor(n.name)
	n.mtime = now
}

// addChild links child below n and sets its parent.
func (n *node) addChild(child *node) {
	n.children.Store(child.name, child)
	child.parent = n
}

// getChild returns a child node by name.
func (n *node) getChild(name string) (*node, bool) {
	if n.children == nil {
		return nil, false
	}
	return n.children.Load(name)
}

// removeChild unlinks the named child and clears its parent.
func (n *node) removeChild(name string) bool {
	if child, exists := n.children.LoadAndDelete(name); exists {
		child.parent = nil
		return true
	}
	return false
}

func (n *node) childCount() int {
	if n.children == nil {
		return 0
	}
	return n.children.Size()
}

// listing splits the children by kind with names sorted.
func (n *node) listing() projectfs.DirListing {
	listing := projectfs.DirListing{Files: []string{}, Directories: []string{}}
	n.children.Range(func(name string, child *node) bool {
		if child.isDir() {
			listing.Directories = append(listing.Directories, name)
		} else {
			listing.Files = append(listing.Files, name)
		}
		return true
	})
	slices.Sort(listing.Files)
	slices.Sort(listing.Directories)
	return listing
}

// file returns a read snapshot of a file node.
func (n *node) file() *projectfs.File {
	return &projectfs.File{
		Name:         n.name,
		Content:      slices.Clone(n.content),
		MimeType:     n.mimeType,
		LastModified: n.mtime,
	}
}
