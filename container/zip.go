package container

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
)

type zipContainer struct {
	rc    *zip.ReadCloser
	index *tree
}

// OpenZip mounts a zip file.
func OpenZip(path string) (Container, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	t := newTree()
	for i, f := range rc.File {
		if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
			if p, err := cleanDir(f.Name); err == nil && p != "" {
				t.addDir(p)
			}
			continue
		}
		t.addFile(f.Name, int64(f.UncompressedSize64), i)
	}
	return &zipContainer{rc: rc, index: t}, nil
}

func (z *zipContainer) List(dir string) ([]Entry, error) { return z.index.list(dir) }

func (z *zipContainer) Open(e Entry) (io.ReadCloser, error) {
	if e.Kind != KindFile || e.ref < 0 || e.ref >= len(z.rc.File) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, e.Path)
	}
	return z.rc.File[e.ref].Open()
}

func (z *zipContainer) Close() error { return z.rc.Close() }
