// Package projectfs contains the core domain types and the backend contract for
// the project file system: a hierarchical file store with interchangeable
// backends (in-memory, pointer tree, native handles and a remote proxy).
package projectfs

import "strings"

// Path is an ordered list of segment names starting below the root.
// The root itself is the empty Path. Segments are taken verbatim, no
// normalization of "." or ".." is performed.
type Path []string

// ParsePath splits a slash separated string into a Path, dropping empty
// segments so "a//b/" and "/a/b" both become {"a", "b"}.
func ParsePath(s string) Path {
	parts := strings.Split(s, "/")
	p := make(Path, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		p = append(p, part)
	}
	return p
}

// String joins the segments with "/". The root is "".
func (p Path) String() string {
	return strings.Join(p, "/")
}

// IsRoot reports whether p addresses the root directory.
func (p Path) IsRoot() bool {
	return len(p) == 0
}

// Parent returns the path of the containing directory. The parent of the root
// is the root.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return Path{}
	}
	return p[:len(p)-1].Clone()
}

// Base returns the last segment or "" for the root.
func (p Path) Base() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Join returns a new Path with names appended.
func (p Path) Join(names ...string) Path {
	out := make(Path, 0, len(p)+len(names))
	out = append(out, p...)
	return append(out, names...)
}

// Clone returns a copy that shares no backing array with p.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Equal reports whether both paths have identical segments.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is p or one of its ancestors.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	return p[:len(prefix)].Equal(prefix)
}
