// Package dispatch routes a staged file: containers go back to the walker
// to be mounted, mail stores that need an external processor are converted
// first, and everything else is handed to the leaf handler.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hazyhaar/ediscovery/container"
	"github.com/hazyhaar/ediscovery/probe"
	"github.com/hazyhaar/ediscovery/stage"
)

var (
	// ErrNoProcessor is returned for a recognised container with no driver.
	ErrNoProcessor = errors.New("dispatch: no processor for container")
	// ErrReadpstUnavailable is returned for a PST when readpst is missing.
	ErrReadpstUnavailable = errors.New("dispatch: readpst unavailable")
)

// Action tells the walker what to do with a dispatched file.
type Action int

const (
	// ActionNone is the zero Route of a failed dispatch.
	ActionNone Action = iota
	ActionLeaf
	ActionNested
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionLeaf:
		return "leaf"
	case ActionNested:
		return "nested"
	case ActionSkip:
		return "skip"
	default:
		return "none"
	}
}

// Route is the outcome of Dispatch. For ActionNested, Path is mounted with
// Format; it is the staged file itself or a scratch directory derived from
// it.
type Route struct {
	Action    Action
	Format    container.Format
	Path      string
	Signature Signature
}

// Leaf is a staged document ready for extraction.
type Leaf struct {
	File      *stage.File
	RelPath   string
	Signature Signature
}

// LeafHandler consumes leaf documents.
type LeafHandler interface {
	HandleLeaf(ctx context.Context, leaf Leaf) error
}

// LeafFunc adapts a function to LeafHandler.
type LeafFunc func(ctx context.Context, leaf Leaf) error

// HandleLeaf implements LeafHandler.
func (f LeafFunc) HandleLeaf(ctx context.Context, leaf Leaf) error { return f(ctx, leaf) }

// Dispatcher routes staged files.
type Dispatcher struct {
	leaf    LeafHandler
	opener  *container.Opener
	runner  probe.Runner
	readpst bool
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOpener checks nested formats against the drivers of o.
func WithOpener(o *container.Opener) Option { return func(d *Dispatcher) { d.opener = o } }

// WithReadpst enables PST conversion through runner.
func WithReadpst(runner probe.Runner, available bool) Option {
	return func(d *Dispatcher) { d.runner, d.readpst = runner, available }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// New returns a Dispatcher sending documents to leaf.
func New(leaf LeafHandler, opts ...Option) *Dispatcher {
	d := &Dispatcher{leaf: leaf, logger: slog.Default()}
	for _, fn := range opts {
		fn(d)
	}
	if d.opener == nil {
		d.opener = container.NewOpener(container.WithLogger(d.logger))
	}
	return d
}

// Dispatch classifies f and routes it. A missing or empty staged file is
// skipped. Leaf handler errors are returned as is.
func (d *Dispatcher) Dispatch(ctx context.Context, arena *stage.Arena, f *stage.File, relPath string) (Route, error) {
	if f == nil || !nonEmpty(f.Path) {
		d.logger.Warn("unwanted archive level skipped", "path", relPath)
		return Route{Action: ActionSkip}, nil
	}

	sig, err := Sniff(f.Path)
	if err != nil {
		return Route{}, err
	}
	for _, w := range sig.Warnings {
		d.logger.Warn("suspicious member", "path", relPath, "warning", w)
	}

	switch sig.Class {
	case ClassArchive, ClassMailStore:
		if !d.opener.Supports(sig.Format) {
			return Route{}, fmt.Errorf("%w: %s at %s", ErrNoProcessor, sig.Format, relPath)
		}
		return Route{Action: ActionNested, Format: sig.Format, Path: f.Path, Signature: sig}, nil

	case ClassPST:
		dir, err := d.expandPST(ctx, arena, f, relPath)
		if err != nil {
			return Route{}, err
		}
		return Route{Action: ActionNested, Format: container.FormatDir, Path: dir, Signature: sig}, nil

	case ClassNSF:
		return Route{}, fmt.Errorf("%w: nsf at %s", ErrNoProcessor, relPath)
	}

	route := Route{Action: ActionLeaf, Signature: sig}
	return route, d.leaf.HandleLeaf(ctx, Leaf{File: f, RelPath: relPath, Signature: sig})
}

// expandPST converts a PST into a directory of .eml files with readpst.
func (d *Dispatcher) expandPST(ctx context.Context, arena *stage.Arena, f *stage.File, relPath string) (string, error) {
	if !d.readpst || d.runner == nil {
		return "", fmt.Errorf("%w: %s", ErrReadpstUnavailable, relPath)
	}
	dir, err := arena.Mkdir("pst")
	if err != nil {
		return "", err
	}
	if _, err := d.runner.Run(ctx, "readpst", "-D", "-e", "-b", "-q", "-o", dir, f.Path); err != nil {
		return "", fmt.Errorf("dispatch: readpst %s: %w", relPath, err)
	}
	d.logger.Debug("pst expanded", "path", relPath, "dir", dir)
	return dir, nil
}

func nonEmpty(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}
