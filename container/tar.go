package container

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// tarContainer serves members of a possibly compressed tar stream. The
// stream is not seekable once compressed, so headers are indexed at mount
// and Open scans forward from the current position, reopening the file only
// when asked for an earlier member.
type tarContainer struct {
	path   string
	format Format
	index  *tree

	mu     sync.Mutex
	stream *tarStream
}

type tarStream struct {
	file *os.File
	dec  io.Closer // decompressor, may be nil
	tr   *tar.Reader
	pos  int // ordinal of the last header read, -1 before the first
}

func (s *tarStream) close() error {
	if s.dec != nil {
		s.dec.Close()
	}
	return s.file.Close()
}

func tarDriver(f Format) Driver {
	return func(path string) (Container, error) { return OpenTar(path, f) }
}

// OpenTar mounts a tar file compressed as f names.
func OpenTar(path string, f Format) (Container, error) {
	c := &tarContainer{path: path, format: f, index: newTree()}
	s, err := c.open()
	if err != nil {
		return nil, err
	}
	defer s.close()

	for ord := 0; ; ord++ {
		hdr, err := s.tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if p, err := cleanDir(hdr.Name); err == nil && p != "" {
				c.index.addDir(p)
			}
		case tar.TypeReg:
			c.index.addFile(hdr.Name, hdr.Size, ord)
		}
	}
	return c, nil
}

// open starts a fresh decompressed stream positioned before the first header.
func (c *tarContainer) open() (*tarStream, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, err
	}
	s := &tarStream{file: f, pos: -1}
	var r io.Reader = f
	switch c.format {
	case FormatTar:
	case FormatTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("gzip: %w", err)
		}
		s.dec, r = gz, gz
	case FormatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("zstd: %w", err)
		}
		rc := zr.IOReadCloser()
		s.dec, r = rc, rc
	case FormatTarLz4:
		r = lz4.NewReader(f)
	default:
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, c.format)
	}
	s.tr = tar.NewReader(r)
	return s, nil
}

func (c *tarContainer) List(dir string) ([]Entry, error) { return c.index.list(dir) }

// Open returns a reader over one member. The reader borrows the shared
// stream; it must be drained or closed before the next Open.
func (c *tarContainer) Open(e Entry) (io.ReadCloser, error) {
	if e.Kind != KindFile {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, e.Path)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil && c.stream.pos >= e.ref {
		c.stream.close()
		c.stream = nil
	}
	if c.stream == nil {
		s, err := c.open()
		if err != nil {
			return nil, err
		}
		c.stream = s
	}
	for c.stream.pos < e.ref {
		if _, err := c.stream.tr.Next(); err != nil {
			c.stream.close()
			c.stream = nil
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, e.Path)
			}
			return nil, err
		}
		c.stream.pos++
	}
	return io.NopCloser(c.stream.tr), nil
}

func (c *tarContainer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	err := c.stream.close()
	c.stream = nil
	return err
}
