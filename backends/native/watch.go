package native

import (
	"os"
	"time"

	"github.com/brettbedarf/projectfs"
)

// watchNode mirrors one live node as of the last poll. A directory that has
// never been walked (first poll pending or access denied) is not initialized
// and has no children recorded.
type watchNode struct {
	initialized  bool
	writing      bool // seeded ahead of an in-app write still in progress
	lastModified time.Time
	kind         projectfs.Kind
	children     map[string]*watchNode
}

func newWatchDir() *watchNode {
	return &watchNode{kind: projectfs.KindDirectory, children: map[string]*watchNode{}}
}

// find returns the node at p, or nil.
func (n *watchNode) find(p projectfs.Path) *watchNode {
	cur := n
	for _, name := range p {
		if cur == nil || cur.children == nil {
			return nil
		}
		cur = cur.children[name]
	}
	return cur
}

// initializedParent returns the node that should hold p's entry, or nil when
// that directory is not tracked yet.
func (n *watchNode) initializedParent(p projectfs.Path) *watchNode {
	parent := n.find(p.Parent())
	if parent == nil || parent.kind != projectfs.KindDirectory || !parent.initialized {
		return nil
	}
	return parent
}

func kindOf(info os.FileInfo) projectfs.Kind {
	switch {
	case info.IsDir():
		return projectfs.KindDirectory
	case info.Mode().IsRegular():
		return projectfs.KindFile
	default:
		return projectfs.KindUnknown
	}
}

// lister reads a live directory. Implementations return ok=false for
// directories that must not be walked right now.
type lister interface {
	list(p projectfs.Path) (entries []os.FileInfo, ok bool)
}

// differ walks the live tree against the shadow, updating the shadow and
// collecting one event per discrepancy.
type differ struct {
	live   lister
	emit   bool
	events []projectfs.ChangeEvent
}

func (d *differ) add(kind projectfs.Kind, p projectfs.Path, t projectfs.ChangeType) {
	if !d.emit {
		return
	}
	d.events = append(d.events, projectfs.ChangeEvent{External: true, Kind: kind, Path: p.Clone(), Type: t})
}

// walk diffs the directory node at p.
func (d *differ) walk(node *watchNode, p projectfs.Path) {
	entries, ok := d.live.list(p)
	if !ok {
		return
	}

	if !node.initialized {
		node.children = map[string]*watchNode{}
		for _, info := range entries {
			child := d.appeared(info, p.Join(info.Name()))
			node.children[info.Name()] = child
		}
		node.initialized = true
		return
	}

	seen := make(map[string]struct{}, len(entries))
	for _, info := range entries {
		name := info.Name()
		seen[name] = struct{}{}
		childPath := p.Join(name)
		shadow, exists := node.children[name]
		liveKind := kindOf(info)

		switch {
		case !exists:
			node.children[name] = d.appeared(info, childPath)
		case shadow.kind != liveKind:
			d.add(shadow.kind, childPath, projectfs.ChangeDeleted)
			node.children[name] = d.appeared(info, childPath)
		case liveKind == projectfs.KindDirectory:
			d.walk(shadow, childPath)
		case shadow.writing:
		case !info.ModTime().Equal(shadow.lastModified):
			d.add(liveKind, childPath, projectfs.ChangeChanged)
			shadow.lastModified = info.ModTime()
		}
	}

	for name, shadow := range node.children {
		if _, ok := seen[name]; !ok {
			d.add(shadow.kind, p.Join(name), projectfs.ChangeDeleted)
			delete(node.children, name)
		}
	}
}

// appeared records a node that is new to the shadow and reports it, together
// with its contents when it is a readable directory.
func (d *differ) appeared(info os.FileInfo, p projectfs.Path) *watchNode {
	kind := kindOf(info)
	d.add(kind, p, projectfs.ChangeCreated)
	if kind != projectfs.KindDirectory {
		return &watchNode{initialized: true, kind: kind, lastModified: info.ModTime()}
	}
	child := newWatchDir()
	d.walk(child, p)
	return child
}
