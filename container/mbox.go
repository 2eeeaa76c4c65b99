package container

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// mboxContainer exposes each message of an mbox file as a flat .eml entry.
// Messages are located once at mount; Open reads a section of the file, so
// concurrent opens are safe.
type mboxContainer struct {
	file  *os.File
	spans []span
	index *tree
}

type span struct{ start, end int64 }

var fromLine = []byte("From ")

// OpenMbox mounts an mbox file. A message starts at a "From " line that
// opens the file or follows a blank line; the separator line itself is not
// part of the message.
func OpenMbox(path string) (Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	spans, err := scanMbox(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	t := newTree()
	for i := range spans {
		t.addFile(fmt.Sprintf("message-%04d.eml", i+1), spans[i].end-spans[i].start, i)
	}
	return &mboxContainer{file: f, spans: spans, index: t}, nil
}

func scanMbox(r io.Reader) ([]span, error) {
	br := bufio.NewReader(r)
	var (
		spans     []span
		off       int64
		prevBlank = true
		open      = false
		cur       span
	)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if prevBlank && bytes.HasPrefix(line, fromLine) {
				if open {
					cur.end = off
					spans = append(spans, cur)
				}
				cur = span{start: off + int64(len(line))}
				open = true
			} else if !open {
				return nil, fmt.Errorf("mbox: no \"From \" separator at offset %d", off)
			}
			off += int64(len(line))
			prevBlank = len(bytes.TrimRight(line, "\r\n")) == 0
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if open {
		cur.end = off
		spans = append(spans, cur)
	}
	return spans, nil
}

func (m *mboxContainer) List(dir string) ([]Entry, error) { return m.index.list(dir) }

func (m *mboxContainer) Open(e Entry) (io.ReadCloser, error) {
	if e.Kind != KindFile || e.ref < 0 || e.ref >= len(m.spans) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, e.Path)
	}
	s := m.spans[e.ref]
	return io.NopCloser(io.NewSectionReader(m.file, s.start, s.end-s.start)), nil
}

func (m *mboxContainer) Close() error { return m.file.Close() }
