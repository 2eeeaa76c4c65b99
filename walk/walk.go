// Package walk expands one root container depth-first with an explicit
// stack. Each stack frame owns at most one mount and the scratch files that
// back it; popping a frame releases both exactly once, and every frame left
// on the stack is popped on any exit from Walk.
//
// Nested containers are never opened through their parent: a member is
// staged to a flat scratch file, dispatched, and only then mounted, so the
// same container node is never visited twice.
package walk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/hazyhaar/ediscovery/container"
	"github.com/hazyhaar/ediscovery/dispatch"
	"github.com/hazyhaar/ediscovery/stage"
)

// ErrMaxDepth is reported for a container nested deeper than MaxDepth.
var ErrMaxDepth = errors.New("walk: maximum nesting depth exceeded")

// ErrNoDocuments is reported for a root that produced no record.
var ErrNoDocuments = errors.New("walk: no documents found")

// Degrader receives the stand-in record of a failed root or entry.
type Degrader interface {
	Degraded(ctx context.Context, unit, root, relPath string, cause error) error
}

// Result summarizes one walk.
type Result struct {
	Root     string `json:"root"`
	Leaves   int    `json:"leaves"`
	Nested   int    `json:"nested"`
	Skipped  int    `json:"skipped"`
	Errors   int    `json:"errors"`
	Degraded int    `json:"degraded"`
	Aborted  bool   `json:"aborted"`
	// RootDeleted is set in distributed mode once the root is removed.
	RootDeleted bool `json:"root_deleted"`
}

// Options configures a Walker.
type Options struct {
	// Unit identifies the processing unit in degraded records and logs.
	Unit string
	// MaxDepth bounds container nesting below the root. 0 means unbounded.
	MaxDepth int
	// Distributed deletes the root file after a walk that did not abort.
	Distributed bool
	Logger      *slog.Logger
}

// Walker drives staging and dispatch for the roots of one processing unit.
// A Walker is not safe for concurrent use; units run their own.
type Walker struct {
	opener *container.Opener
	arena  *stage.Arena
	disp   *dispatch.Dispatcher
	sink   Degrader
	opts   Options
}

// New returns a Walker.
func New(opener *container.Opener, arena *stage.Arena, disp *dispatch.Dispatcher, sink Degrader, opts Options) *Walker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Walker{opener: opener, arena: arena, disp: disp, sink: sink, opts: opts}
}

type frame struct {
	mount   *container.Mount // nil for a directory view of the parent's mount
	c       container.Container
	prefix  string // path of this container relative to the root
	entries []container.Entry
	next    int
	depth   int
	scratch []string
}

// walkState is the stack plus the bookkeeping of one Walk call.
type walkState struct {
	w      *Walker
	root   string
	stack  []*frame
	res    Result
	logger *slog.Logger
}

// Walk expands root. Failures below the root are reported as degraded
// records and never stop the walk; a root that cannot be opened yields one
// degraded record and an aborted Result. The returned error is non-nil only
// when ctx ends the walk or a degraded record cannot be emitted.
func (w *Walker) Walk(ctx context.Context, root string) (res Result, err error) {
	st := &walkState{
		w:      w,
		root:   root,
		res:    Result{Root: root},
		logger: w.opts.Logger.With("unit", w.opts.Unit, "root", root),
	}
	defer func() {
		st.unwind()
		res = st.res
	}()

	if err := st.pushRoot(ctx); err != nil {
		st.res.Aborted = true
		return st.res, st.degrade(ctx, "", err)
	}

	for len(st.stack) > 0 {
		if err := ctx.Err(); err != nil {
			st.res.Aborted = true
			st.unwind()
			return st.res, errors.Join(err, st.degrade(context.WithoutCancel(ctx), "", fmt.Errorf("walk cancelled: %w", err)))
		}
		top := st.stack[len(st.stack)-1]
		if top.next >= len(top.entries) {
			st.pop()
			continue
		}
		e := top.entries[top.next]
		top.next++
		if err := st.visit(ctx, top, e); err != nil {
			return st.res, err
		}
	}

	if st.res.Leaves == 0 && st.res.Degraded == 0 {
		if err := st.degrade(ctx, "", ErrNoDocuments); err != nil {
			return st.res, err
		}
	}
	if w.opts.Distributed {
		st.deleteRoot()
	}
	st.logger.Info("root expanded",
		"leaves", st.res.Leaves, "nested", st.res.Nested, "skipped", st.res.Skipped,
		"errors", st.res.Errors, "degraded", st.res.Degraded)
	return st.res, nil
}

// pushRoot mounts the root. A root that is itself a document is dispatched
// as a single leaf.
func (st *walkState) pushRoot(ctx context.Context) error {
	info, err := os.Stat(st.root)
	if err != nil {
		return fmt.Errorf("walk: root: %w", err)
	}
	route := dispatch.Route{Action: dispatch.ActionNested, Format: container.FormatDir, Path: st.root}
	if !info.IsDir() {
		f := &stage.File{Path: st.root, OriginalPath: filepath.Base(st.root), Ext: stage.Ext(st.root), Size: info.Size()}
		route, err = st.w.disp.Dispatch(ctx, st.w.arena, f, f.OriginalPath)
		if err != nil {
			if route.Action == dispatch.ActionLeaf {
				st.res.Leaves++
			}
			return err
		}
	}
	switch route.Action {
	case dispatch.ActionLeaf:
		st.res.Leaves++
		return nil
	case dispatch.ActionSkip:
		st.res.Skipped++
		return nil
	}

	m, err := st.w.opener.Mount(route.Format, route.Path)
	if err != nil {
		st.release(route.Path)
		return err
	}
	fr := &frame{mount: m, c: m}
	if route.Path != st.root {
		fr.scratch = []string{route.Path}
	}
	st.stack = append(st.stack, fr)
	if fr.entries, err = m.List(""); err != nil {
		return fmt.Errorf("walk: list root: %w", err)
	}
	return nil
}

// visit handles one entry of the top frame. Only an undeliverable degraded
// record is returned as an error.
func (st *walkState) visit(ctx context.Context, top *frame, e container.Entry) error {
	rel := path.Join(top.prefix, e.Path)
	if e.Err != nil {
		return st.fail(ctx, rel, e.Err)
	}
	if e.Kind == container.KindDir {
		entries, err := top.c.List(e.Path)
		if err != nil {
			return st.fail(ctx, rel, err)
		}
		st.stack = append(st.stack, &frame{c: top.c, prefix: top.prefix, entries: entries, depth: top.depth})
		return nil
	}

	f, err := st.stage(top.c, e, rel)
	if err != nil {
		return st.fail(ctx, rel, err)
	}
	route, err := st.w.disp.Dispatch(ctx, st.w.arena, f, rel)
	if route.Action == dispatch.ActionLeaf {
		st.res.Leaves++
	}
	if err != nil {
		st.release(f.Path)
		return st.fail(ctx, rel, err)
	}

	switch route.Action {
	case dispatch.ActionLeaf:
		st.release(f.Path)
		return nil
	case dispatch.ActionSkip:
		st.res.Skipped++
		st.release(f.Path)
		return nil
	}

	scratch := []string{f.Path}
	if route.Path != f.Path {
		scratch = append(scratch, route.Path)
	}
	depth := top.depth + 1
	if st.w.opts.MaxDepth > 0 && depth > st.w.opts.MaxDepth {
		st.release(scratch...)
		return st.fail(ctx, rel, fmt.Errorf("%w (%d)", ErrMaxDepth, st.w.opts.MaxDepth))
	}
	m, err := st.w.opener.Mount(route.Format, route.Path)
	if err != nil {
		st.release(scratch...)
		return st.fail(ctx, rel, err)
	}
	fr := &frame{mount: m, c: m, prefix: rel, depth: depth, scratch: scratch}
	st.stack = append(st.stack, fr)
	if fr.entries, err = m.List(""); err != nil {
		st.pop()
		return st.fail(ctx, rel, err)
	}
	st.res.Nested++
	return nil
}

func (st *walkState) stage(c container.Container, e container.Entry, rel string) (*stage.File, error) {
	rc, err := c.Open(e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return st.w.arena.Stage(rc, rel)
}

// fail records a per-entry failure and reports it with the root path.
func (st *walkState) fail(ctx context.Context, rel string, cause error) error {
	st.res.Errors++
	st.logger.Warn("entry failed", "path", rel, "error", cause)
	return st.degrade(ctx, rel, fmt.Errorf("%s: %w", rel, cause))
}

func (st *walkState) degrade(ctx context.Context, rel string, cause error) error {
	if err := st.w.sink.Degraded(ctx, st.w.opts.Unit, st.root, rel, cause); err != nil {
		return fmt.Errorf("walk: emit degraded record for %s: %w", st.root, err)
	}
	st.res.Degraded++
	return nil
}

func (st *walkState) pop() {
	n := len(st.stack) - 1
	fr := st.stack[n]
	st.stack[n] = nil
	st.stack = st.stack[:n]
	if fr.mount != nil {
		if err := fr.mount.Release(); err != nil {
			st.logger.Warn("container release failed", "path", fr.prefix, "error", err)
		}
	}
	st.release(fr.scratch...)
}

func (st *walkState) unwind() {
	for len(st.stack) > 0 {
		st.pop()
	}
}

func (st *walkState) release(paths ...string) {
	for _, p := range paths {
		if err := st.w.arena.Release(p); err != nil {
			st.logger.Debug("scratch release failed", "path", p, "error", err)
		}
	}
}

func (st *walkState) deleteRoot() {
	if st.res.Aborted {
		return
	}
	info, err := os.Stat(st.root)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	if err := os.Remove(st.root); err != nil {
		st.logger.Warn("root delete failed", "error", err)
		return
	}
	st.res.RootDeleted = true
}
