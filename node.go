package projectfs

import (
	"mime"
	"path"
	"time"
)

// Kind is the type of a node in the tree.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
	KindUnknown   Kind = "unknown"
)

// File is the result of reading a file node.
type File struct {
	Name         string    `json:"name"`
	Content      []byte    `json:"content"`
	MimeType     string    `json:"mimeType,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// Text returns the content as a string.
func (f *File) Text() string {
	return string(f.Content)
}

// DirListing holds the child names of a directory split by kind.
type DirListing struct {
	Files       []string `json:"files"`
	Directories []string `json:"directories"`
}

// Contains reports whether name is listed as either a file or a directory.
func (l DirListing) Contains(name string) bool {
	for _, f := range l.Files {
		if f == name {
			return true
		}
	}
	for _, d := range l.Directories {
		if d == name {
			return true
		}
	}
	return false
}

// Len returns the total number of entries.
func (l DirListing) Len() int {
	return len(l.Files) + len(l.Directories)
}

// MimeTypeFor guesses a mime type from the file name's extension. Unknown
// extensions yield "application/octet-stream".
func MimeTypeFor(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
