package container

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/ediscovery/horosafe"
)

type dirContainer struct {
	root string
}

// OpenDir mounts a directory tree, such as the output of readpst. Symlinks
// and special files are not listed.
func OpenDir(root string) (Container, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &dirContainer{root: root}, nil
}

func (d *dirContainer) List(dir string) ([]Entry, error) {
	dir = strings.Trim(dir, "/")
	full, err := horosafe.SafePath(d.root, dir)
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(des))
	for _, de := range des {
		p := path.Join(dir, de.Name())
		switch {
		case de.IsDir():
			out = append(out, Entry{Path: p, Name: de.Name(), Kind: KindDir})
		case de.Type().IsRegular():
			var size int64
			if info, err := de.Info(); err == nil {
				size = info.Size()
			}
			out = append(out, Entry{Path: p, Name: de.Name(), Kind: KindFile, Size: size})
		}
	}
	return out, nil
}

func (d *dirContainer) Open(e Entry) (io.ReadCloser, error) {
	if e.Kind != KindFile {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, e.Path)
	}
	full, err := horosafe.SafePath(d.root, filepath.FromSlash(e.Path))
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

func (d *dirContainer) Close() error { return nil }
