// Package container is the abstract capability the walker expands: list the
// entries of a directory level, open an entry as a byte stream, and release
// the native handle. Drivers exist for zip, tar (plain, gzip, zstd, lz4),
// mbox and plain directories; an Opener mounts them and keeps a process-wide
// count of live mounts.
//
// Opening an entry as a sub-container is not part of the interface: the
// walker stages the entry to a flat scratch file and mounts that copy, so a
// container is never traversed through a reference to its parent.
package container

import (
	"errors"
	"io"
	"path"
	"strings"

	"github.com/hazyhaar/ediscovery/horosafe"
)

// Format names a container layout the Opener knows how to mount.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
	FormatTarLz4 Format = "tar.lz4"
	FormatMbox   Format = "mbox"
	FormatDir    Format = "dir"
)

// Kind tells directories from files.
type Kind int

const (
	KindFile Kind = iota
	KindDir
)

func (k Kind) String() string {
	if k == KindDir {
		return "dir"
	}
	return "file"
}

// ErrNotFound is returned by Open for an entry the container does not hold.
var ErrNotFound = errors.New("container: entry not found")

// ErrUnsupported is returned by the Opener for a format with no driver.
var ErrUnsupported = errors.New("container: unsupported format")

// Entry is one node of a container. Path is slash separated and relative to
// the container root.
type Entry struct {
	Path string
	Name string
	Kind Kind
	Size int64
	// Err is set when the member is listed but cannot be extracted safely
	// (for example a name escaping the container).
	Err error

	ref int
}

// Container is a mounted container.
type Container interface {
	// List returns the immediate children of dir ("" is the root).
	List(dir string) ([]Entry, error)
	// Open returns the content of a file entry.
	Open(e Entry) (io.ReadCloser, error)
	// Close releases the native handle.
	Close() error
}

// tree indexes a flat member list by parent directory, synthesizing the
// directory entries that archive formats leave implicit. Children keep
// archive order.
type tree struct {
	children map[string][]Entry
	dirs     map[string]bool
}

func newTree() *tree {
	return &tree{children: map[string][]Entry{}, dirs: map[string]bool{"": true}}
}

func (t *tree) addDir(p string) {
	if t.dirs[p] {
		return
	}
	parent := parentOf(p)
	t.addDir(parent)
	t.dirs[p] = true
	t.children[parent] = append(t.children[parent], Entry{Path: p, Name: path.Base(p), Kind: KindDir})
}

// addFile registers a member. Names that fail horosafe.CleanMember are kept
// at the root level with Err set so the walker can report them.
func (t *tree) addFile(raw string, size int64, ref int) {
	p, err := horosafe.CleanMember(raw)
	if err != nil {
		t.children[""] = append(t.children[""], Entry{Path: raw, Name: path.Base(raw), Size: size, Err: err, ref: ref})
		return
	}
	if p == "" {
		return
	}
	parent := parentOf(p)
	t.addDir(parent)
	t.children[parent] = append(t.children[parent], Entry{Path: p, Name: path.Base(p), Kind: KindFile, Size: size, ref: ref})
}

func (t *tree) list(dir string) ([]Entry, error) {
	dir = strings.Trim(dir, "/")
	if !t.dirs[dir] {
		return nil, ErrNotFound
	}
	out := make([]Entry, len(t.children[dir]))
	copy(out, t.children[dir])
	return out, nil
}

func parentOf(p string) string {
	d := path.Dir(p)
	if d == "." || d == "/" {
		return ""
	}
	return d
}

func cleanDir(raw string) (string, error) {
	return horosafe.CleanMember(strings.TrimSuffix(raw, "/"))
}
