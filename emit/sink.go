// Package emit computes dedup keys and forwards finished records to the
// compute layer. Two strategies share the same delivery step (render, write,
// report progress, count): Direct delivers from the calling unit, Serialized
// funnels every unit of the process through one Buffer so the renderer is
// never entered twice at once.
package emit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/hazyhaar/ediscovery/catalog"
	"github.com/hazyhaar/ediscovery/normalize"
	"github.com/hazyhaar/ediscovery/probe"
)

// Output is the compute layer's receiving end.
type Output interface {
	Write(ctx context.Context, key string, rec Record) error
	// Progress is a liveness signal sent after each write.
	Progress()
}

// Renderer produces a visual artifact for a leaf and returns its path.
type Renderer interface {
	Render(ctx context.Context, source, relPath string) (string, error)
	Concurrent() bool
}

// Counter is the process-wide monotonic item count.
type Counter struct{ n atomic.Int64 }

// Inc adds one and returns the new value.
func (c *Counter) Inc() int64 { return c.n.Add(1) }

// Load returns the current value.
func (c *Counter) Load() int64 { return c.n.Load() }

// Sink is the emission step of a processing unit. A Sink is safe for
// concurrent use.
type Sink struct {
	strategy probe.Capability
	out      Output
	renderer Renderer
	buffer   *Buffer
	counter  *Counter
	algo     Algo
	cat      *catalog.Catalog
	logger   *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithRenderer renders non-degraded records before writing.
func WithRenderer(r Renderer) Option { return func(s *Sink) { s.renderer = r } }

// WithBuffer replaces the process buffer used by the serialized strategy.
func WithBuffer(b *Buffer) Option { return func(s *Sink) { s.buffer = b } }

// WithCounter shares an item counter.
func WithCounter(c *Counter) Option { return func(s *Sink) { s.counter = c } }

// WithDigest selects the dedup digest.
func WithDigest(a Algo) Option { return func(s *Sink) { s.algo = a } }

// WithCatalog folds sink-added fields into their canonical names.
func WithCatalog(c *catalog.Catalog) Option { return func(s *Sink) { s.cat = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Sink) { s.logger = l } }

// NewSink returns a Sink using strategy, which must be resolved (concurrent
// or serialized).
func NewSink(strategy probe.Capability, out Output, opts ...Option) *Sink {
	s := &Sink{strategy: strategy, out: out, algo: AlgoMD5, cat: catalog.Empty(), logger: slog.Default()}
	for _, fn := range opts {
		fn(s)
	}
	if s.counter == nil {
		s.counter = &Counter{}
	}
	if s.buffer == nil && strategy == probe.CapabilitySerialized {
		s.buffer = ProcessBuffer()
	}
	return s
}

// Strategy returns the resolved strategy.
func (s *Sink) Strategy() probe.Capability { return s.strategy }

// Count returns the number of records delivered through the shared counter.
func (s *Sink) Count() int64 { return s.counter.Load() }

// Emit delivers rec. A missing key is computed from rec.Source. Failures
// while building the record degrade it instead of dropping it.
func (s *Sink) Emit(ctx context.Context, rec Record) error {
	if rec.Key == "" {
		key, err := DigestFile(rec.Source, s.algo)
		if err != nil {
			rec.Key = DigestString(rec.Root+"\x00"+rec.Path, s.algo)
			rec = degrade(rec, fmt.Sprintf("digest %s: %v", rec.Path, err))
		} else {
			rec.Key = key
		}
	}
	if s.strategy == probe.CapabilitySerialized {
		return s.buffer.Submit(ctx, rec, s.deliver)
	}
	return s.deliver(ctx, rec)
}

// Degraded emits the stand-in record for a unit or entry that failed. The
// key digests the root file, or the root path when the file is gone.
func (s *Sink) Degraded(ctx context.Context, unit, root, relPath string, cause error) error {
	key, err := DigestFile(root, s.algo)
	if err != nil {
		key = DigestString(root, s.algo)
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	rec := degrade(Record{Key: key, Unit: unit, Root: root, Path: relPath}, msg)
	s.logger.Warn("degraded record", "root", root, "path", relPath, "error", msg)
	return s.Emit(ctx, rec)
}

// Flush delivers records left in the buffer.
func (s *Sink) Flush() {
	if s.buffer != nil {
		s.buffer.Flush()
	}
}

func (s *Sink) deliver(ctx context.Context, rec Record) error {
	if !rec.Degraded && s.renderer != nil {
		img, err := s.renderer.Render(ctx, rec.Source, rec.Path)
		if err != nil {
			rec = degrade(rec, fmt.Sprintf("render %s: %v", rec.Path, err))
		} else if img != "" {
			rec.Fields = setField(rec.Fields, FieldPDFImage, img)
			if canon, ok := s.cat.Canonical(FieldPDFImage); ok {
				rec.Fields = setField(rec.Fields, canon, img)
			}
		}
	}
	if err := s.out.Write(ctx, rec.Key, rec); err != nil {
		return fmt.Errorf("emit: write %s: %w", rec.Key, err)
	}
	s.out.Progress()
	s.counter.Inc()
	return nil
}

// setField never writes through to the caller's slice.
func setField(fs normalize.Fields, name, value string) normalize.Fields {
	fs = append(normalize.Fields(nil), fs...)
	for i := range fs {
		if fs[i].Name == name {
			fs[i].Value = value
			return fs
		}
	}
	return append(fs, normalize.Field{Name: name, Value: value})
}
