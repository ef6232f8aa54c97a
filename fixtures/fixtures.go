// Package fixtures seeds a project file system from a JSON or YAML description.
//
//	entries:
//	  - path: project.json
//	    content: '{"name":"demo"}'
//	  - path: assets/textures
//	    type: dir
//	  - path: assets/logo.png
//	    source: {type: http, url: https://example.com/logo.png}
package fixtures

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/brettbedarf/projectfs"
	"github.com/brettbedarf/projectfs/filesystem"
	"github.com/brettbedarf/projectfs/internal/util"
	"gopkg.in/yaml.v3"
)

// EntryType is the kind of node an entry creates.
type EntryType = string

const (
	EntryFile EntryType = "file"
	EntryDir  EntryType = "dir"
)

// Entry is one node to create. A file takes its content from exactly one of
// Content, Base64 or Source; none of them yields an empty file.
type Entry struct {
	Path    string       `yaml:"path" json:"path"`
	Type    *EntryType   `yaml:"type,omitempty" json:"type,omitempty"` // Default file
	Content *string      `yaml:"content,omitempty" json:"content,omitempty"`
	Base64  *string      `yaml:"base64,omitempty" json:"base64,omitempty"`
	Source  SourceConfig `yaml:"source,omitempty" json:"source,omitempty"`
}

// Set is a fixture document.
type Set struct {
	RootName *string `yaml:"root_name,omitempty" json:"root_name,omitempty"`
	Entries  []Entry `yaml:"entries" json:"entries"`
}

// Kind returns the entry type with the default applied.
func (e Entry) Kind() EntryType {
	return util.ValueOrDefault(e.Type, EntryFile)
}

// Validate checks the entry in isolation.
func (e Entry) Validate() error {
	p := projectfs.ParsePath(e.Path)
	if p.IsRoot() {
		return fmt.Errorf("entry %q: %w", e.Path, projectfs.ErrInvalidPath)
	}
	switch e.Kind() {
	case EntryDir:
		if e.Content != nil || e.Base64 != nil || e.Source != nil {
			return fmt.Errorf("entry %q: directories take no content", e.Path)
		}
	case EntryFile:
		n := 0
		for _, set := range []bool{e.Content != nil, e.Base64 != nil, e.Source != nil} {
			if set {
				n++
			}
		}
		if n > 1 {
			return fmt.Errorf("entry %q: content, base64 and source are exclusive", e.Path)
		}
	default:
		return fmt.Errorf("entry %q: unknown type %q", e.Path, e.Kind())
	}
	return nil
}

// Parse decodes a fixture document. format is "yaml" or "json".
func Parse(data []byte, format string) (*Set, error) {
	var set Set
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fixtures: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fixtures: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown fixtures format: %s", format)
	}
	for _, e := range set.Entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return &set, nil
}

// LoadFile reads a fixture document, picking the format from the extension.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return Parse(data, ext)
}

// Apply creates every entry in order. Existing files are overwritten and
// existing directories kept.
func (s *Set) Apply(ctx context.Context, fsys *filesystem.FileSystem) error {
	logger := util.GetLogger("Fixtures.Apply")
	if s.RootName != nil && fsys.SupportsRootRename() {
		if err := fsys.SetRootName(ctx, *s.RootName); err != nil {
			return err
		}
	}
	for _, e := range s.Entries {
		p := projectfs.ParsePath(e.Path)
		if e.Kind() == EntryDir {
			if err := fsys.CreateDir(ctx, p); err != nil {
				return err
			}
			continue
		}
		data, err := e.content(ctx)
		if err != nil {
			return fmt.Errorf("entry %q: %w", e.Path, err)
		}
		if err := fsys.WriteFile(ctx, p, data); err != nil {
			return err
		}
		logger.Trace().Str("path", e.Path).Int("size", len(data)).Msg("Wrote fixture")
	}
	logger.Debug().Int("entries", len(s.Entries)).Msg("Applied fixtures")
	return nil
}

func (e Entry) content(ctx context.Context) ([]byte, error) {
	switch {
	case e.Content != nil:
		return []byte(*e.Content), nil
	case e.Base64 != nil:
		return base64.StdEncoding.DecodeString(*e.Base64)
	case e.Source != nil:
		src, err := NewSource(e.Source)
		if err != nil {
			return nil, err
		}
		rc, err := src.Open(ctx)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return []byte{}, nil
}
