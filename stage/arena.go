// Package stage materializes container members as plain scratch files.
//
// Each processing unit owns an Arena: a private directory under the
// configured scratch root that hands out uniquely named slots. Consumers
// release a slot as soon as they are done with it; closing the arena removes
// whatever is left, so a unit never leaks scratch files even when a walk
// aborts half-way. Because slot names are unique the arena does not rely on
// the walk being sequential.
package stage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/ediscovery/horosafe"
	"github.com/hazyhaar/ediscovery/idgen"
)

// BufferSize is the fixed copy buffer used for every staged member.
const BufferSize = 4096

// ErrClosed is returned by Stage after Close.
var ErrClosed = errors.New("stage: arena closed")

// File is one staged member.
type File struct {
	Path         string // scratch path
	OriginalPath string // path inside the container
	Ext          string // lower-case extension without the dot, may be empty
	Size         int64
}

// Options configures an Arena.
type Options struct {
	// MaxBytes bounds a single staged member. 0 means unbounded.
	MaxBytes int64
	Logger   *slog.Logger
}

// Arena issues scratch slots for one processing unit.
type Arena struct {
	dir    string
	opts   Options
	nextID idgen.Generator

	mu     sync.Mutex
	live   map[string]struct{}
	closed bool
}

// NewArena creates <root>/<unitID>/ and returns an arena rooted there.
func NewArena(root, unitID string, opts Options) (*Arena, error) {
	if err := horosafe.ValidateIdentifier(unitID); err != nil {
		return nil, fmt.Errorf("stage: unit id: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	dir := filepath.Join(root, unitID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("stage: mkdir %s: %w", dir, err)
	}
	return &Arena{
		dir:    dir,
		opts:   opts,
		nextID: idgen.Sequence(6),
		live:   map[string]struct{}{},
	}, nil
}

// Dir returns the arena directory.
func (a *Arena) Dir() string { return a.dir }

// Ext returns the lower-case extension of name without the dot.
func Ext(name string) string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(strings.ReplaceAll(name, `\`, "/"))), ".")
}

func (a *Arena) slot(ext string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", ErrClosed
	}
	name := a.nextID()
	if ext != "" {
		name += "." + ext
	}
	p := filepath.Join(a.dir, name)
	a.live[p] = struct{}{}
	return p, nil
}

// Stage copies r into a new slot. The output is flushed and closed on every
// path; on failure the partial file stays tracked and is removed by Release
// or Close.
func (a *Arena) Stage(r io.Reader, originalPath string) (f *File, err error) {
	ext := Ext(originalPath)
	if ext != "" && horosafe.ValidateIdentifier(ext) != nil {
		ext = ""
	}
	p, err := a.slot(ext)
	if err != nil {
		return nil, err
	}

	out, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("stage: create %s: %w", p, err)
	}
	w := bufio.NewWriterSize(out, BufferSize)
	defer func() {
		if ferr := w.Flush(); ferr != nil && err == nil {
			err = fmt.Errorf("stage: flush %s: %w", p, ferr)
		}
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("stage: close %s: %w", p, cerr)
		}
		if err != nil {
			f = nil
		}
	}()

	src := horosafe.LimitReader(r, a.opts.MaxBytes)
	buf := make([]byte, BufferSize)
	var n int64
	for {
		m, rerr := src.Read(buf)
		if m > 0 {
			if _, werr := w.Write(buf[:m]); werr != nil {
				return nil, fmt.Errorf("stage: write %s: %w", p, werr)
			}
			n += int64(m)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, fmt.Errorf("stage: read %s: %w", originalPath, rerr)
		}
	}

	a.opts.Logger.Debug("staged member", "original", originalPath, "path", p, "size", n)
	return &File{Path: p, OriginalPath: originalPath, Ext: ext, Size: n}, nil
}

// Mkdir reserves a scratch directory slot, for processors that explode a
// container into many files (e.g. readpst output).
func (a *Arena) Mkdir(prefix string) (string, error) {
	p, err := a.slot("")
	if err != nil {
		return "", err
	}
	if prefix != "" {
		a.mu.Lock()
		delete(a.live, p)
		p = filepath.Join(filepath.Dir(p), prefix+"-"+filepath.Base(p))
		a.live[p] = struct{}{}
		a.mu.Unlock()
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("stage: mkdir %s: %w", p, err)
	}
	return p, nil
}

// Release deletes a slot (file or directory). Releasing an unknown or
// already released path is a no-op.
func (a *Arena) Release(p string) error {
	a.mu.Lock()
	_, ok := a.live[p]
	delete(a.live, p)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("stage: release %s: %w", p, err)
	}
	return nil
}

// Live returns the number of slots not yet released.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Close removes every remaining slot and the arena directory. It is safe to
// call more than once.
func (a *Arena) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	left := len(a.live)
	a.live = map[string]struct{}{}
	a.mu.Unlock()

	if left > 0 {
		a.opts.Logger.Debug("arena closed with unreleased slots", "dir", a.dir, "slots", left)
	}
	if err := os.RemoveAll(a.dir); err != nil {
		return fmt.Errorf("stage: remove %s: %w", a.dir, err)
	}
	return nil
}

// Sweep removes unit directories under root whose modification time is
// older than olderThan. Arenas of crashed processes are reclaimed this way
// at startup. It returns the number of directories removed.
func Sweep(root string, olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stage: sweep %s: %w", root, err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return removed, fmt.Errorf("stage: sweep %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
