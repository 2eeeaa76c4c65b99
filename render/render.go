// Package render produces the visual artifact (a PDF) of a leaf document.
//
// Each source kind has a chain of converters tried in order: PDFs are
// copied, HTML is sanitized and printed by headless Chrome or wkhtmltopdf,
// mail messages are laid out as HTML first, and everything else goes to
// LibreOffice. When the whole chain fails the embedded placeholder PDF is
// written instead, so every rendered record has an artifact.
package render

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/ediscovery/docpipe"
	"github.com/hazyhaar/ediscovery/idgen"
	"github.com/hazyhaar/ediscovery/probe"
	"github.com/hazyhaar/ediscovery/stage"
)

//go:embed placeholder.pdf
var placeholderPDF []byte

// Placeholder returns the bytes of the fallback artifact.
func Placeholder() []byte { return placeholderPDF }

// ErrNoConverter is returned by a chain with no converter configured.
var ErrNoConverter = errors.New("render: no converter for this kind")

// Converter turns src into a PDF at dst.
type Converter interface {
	Name() string
	Convert(ctx context.Context, src, dst string) error
}

// Kind groups sources that share a converter chain.
type Kind string

const (
	KindPDF    Kind = "pdf"
	KindHTML   Kind = "html"
	KindMail   Kind = "mail"
	KindOffice Kind = "office"
)

// KindOf maps a file extension (without dot) to its Kind.
func KindOf(ext string) Kind {
	switch ext {
	case "pdf":
		return KindPDF
	case "html", "htm", "xhtml":
		return KindHTML
	case "eml", "nsfe":
		return KindMail
	default:
		return KindOffice
	}
}

// Config configures a Renderer.
type Config struct {
	// OutputDir receives the rendered PDFs. Required.
	OutputDir string `yaml:"output_dir"`
	// Timeout bounds one conversion attempt. Default: 2m.
	Timeout time.Duration `yaml:"timeout"`
	// NoPlaceholder makes Render return the chain error instead of writing
	// the placeholder.
	NoPlaceholder bool `yaml:"no_placeholder"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Renderer implements emit.Renderer.
type Renderer struct {
	cfg    Config
	html   []Converter
	office Converter
	mail   *mailLayout
	nextID idgen.Generator

	closeOnce sync.Once
	closers   []io.Closer
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithHTMLConverters replaces the HTML chain.
func WithHTMLConverters(cs ...Converter) Option {
	return func(r *Renderer) { r.html = cs }
}

// WithOfficeConverter replaces the office converter; nil disables it.
func WithOfficeConverter(c Converter) Option {
	return func(r *Renderer) { r.office = c }
}

// New builds a Renderer whose chains use the tools found by the probe.
func New(cfg Config, snap probe.Snapshot, runner probe.Runner, opts ...Option) (*Renderer, error) {
	cfg.defaults()
	if cfg.OutputDir == "" {
		return nil, fmt.Errorf("render: output dir is required")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("render: mkdir %s: %w", cfg.OutputDir, err)
	}
	if runner == nil {
		runner = probe.ExecRunner{Stderr: true}
	}

	r := &Renderer{
		cfg:    cfg,
		mail:   newMailLayout(docpipe.New(docpipe.Config{Logger: cfg.Logger})),
		nextID: idgen.Prefixed("img-", idgen.NanoID(16)),
	}
	if snap.Chrome {
		chrome := newChrome(snap.ChromePath, cfg.Logger)
		r.html = append(r.html, chrome)
		r.closers = append(r.closers, chrome)
	}
	if snap.Wkhtmltopdf {
		r.html = append(r.html, wkhtmltopdf{runner: runner})
	}
	if snap.Office {
		r.office = soffice{runner: runner}
	}
	for _, fn := range opts {
		fn(r)
	}
	return r, nil
}

// Concurrent reports whether Render may be entered by several units at
// once. LibreOffice conversions share one user profile and are not.
func (r *Renderer) Concurrent() bool { return r.office == nil }

// Render converts source (a staged leaf whose container path is relPath)
// and returns the artifact path.
func (r *Renderer) Render(ctx context.Context, source, relPath string) (string, error) {
	ext := stage.Ext(relPath)
	if ext == "" {
		ext = stage.Ext(source)
	}
	kind := KindOf(ext)
	dst := filepath.Join(r.cfg.OutputDir, r.nextID()+".pdf")

	err := r.convert(ctx, kind, source, dst)
	if err == nil {
		r.cfg.Logger.Debug("rendered", "path", relPath, "kind", kind, "artifact", dst)
		return dst, nil
	}
	_ = os.Remove(dst)
	if ctx.Err() != nil || r.cfg.NoPlaceholder {
		return "", fmt.Errorf("render: %s: %w", relPath, err)
	}

	r.cfg.Logger.Warn("render failed, using placeholder", "path", relPath, "kind", kind, "error", err)
	if werr := os.WriteFile(dst, placeholderPDF, 0o644); werr != nil {
		return "", fmt.Errorf("render: placeholder %s: %w", dst, werr)
	}
	return dst, nil
}

func (r *Renderer) convert(ctx context.Context, kind Kind, src, dst string) error {
	switch kind {
	case KindPDF:
		return copyFile(src, dst)
	case KindHTML:
		clean, err := r.sanitizedCopy(src)
		if err != nil {
			return err
		}
		defer os.Remove(clean)
		return r.chain(ctx, r.withOffice(r.html), clean, dst)
	case KindMail:
		page, err := r.mail.write(ctx, src, r.cfg.OutputDir)
		if err != nil {
			r.cfg.Logger.Debug("mail layout failed", "src", src, "error", err)
			return r.chain(ctx, r.withOffice(nil), src, dst)
		}
		defer os.Remove(page)
		if err := r.chain(ctx, r.html, page, dst); err == nil {
			return nil
		}
		return r.chain(ctx, r.withOffice(nil), src, dst)
	default:
		return r.chain(ctx, r.withOffice(nil), src, dst)
	}
}

func (r *Renderer) withOffice(cs []Converter) []Converter {
	if r.office == nil {
		return cs
	}
	return append(append([]Converter(nil), cs...), r.office)
}

// chain tries each converter until one produces a non-empty dst.
func (r *Renderer) chain(ctx context.Context, cs []Converter, src, dst string) error {
	if len(cs) == 0 {
		return ErrNoConverter
	}
	var errs []error
	for _, c := range cs {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		err := c.Convert(cctx, src, dst)
		cancel()
		if err == nil {
			if info, serr := os.Stat(dst); serr == nil && info.Size() > 0 {
				return nil
			}
			err = fmt.Errorf("no output")
		}
		errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// Close stops the browser if one was launched.
func (r *Renderer) Close() error {
	var err error
	r.closeOnce.Do(func() {
		for _, c := range r.closers {
			err = errors.Join(err, c.Close())
		}
	})
	return err
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = io.CopyBuffer(out, in, make([]byte, stage.BufferSize))
	return err
}
