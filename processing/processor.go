// Package processing wires the expansion engine together: it resolves the
// emission capability from the platform probe, runs one processing unit per
// root on a bounded worker pool, and turns every leaf into a normalized
// record.
//
// A unit owns its scratch arena, its walker and its metadata record; units
// share only the mount registry, the emission counter and, when emission is
// serialized, the process buffer.
package processing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/ediscovery/catalog"
	"github.com/hazyhaar/ediscovery/container"
	"github.com/hazyhaar/ediscovery/dispatch"
	"github.com/hazyhaar/ediscovery/docpipe"
	"github.com/hazyhaar/ediscovery/emit"
	"github.com/hazyhaar/ediscovery/idgen"
	"github.com/hazyhaar/ediscovery/kit"
	"github.com/hazyhaar/ediscovery/normalize"
	"github.com/hazyhaar/ediscovery/observability"
	"github.com/hazyhaar/ediscovery/probe"
	"github.com/hazyhaar/ediscovery/render"
	"github.com/hazyhaar/ediscovery/stage"
	"github.com/hazyhaar/ediscovery/walk"
)

// UnitResult is the outcome of one root.
type UnitResult struct {
	UnitID   string        `json:"unit_id"`
	Root     string        `json:"root"`
	Walk     walk.Result   `json:"walk"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Processor expands roots into records delivered to an emit.Output.
type Processor struct {
	cfg        Config
	out        emit.Output
	cat        *catalog.Catalog
	mode       normalize.Mode
	algo       emit.Algo
	snap       probe.Snapshot
	runner     probe.Runner
	capability probe.Capability
	opener     *container.Opener
	pipe       *docpipe.Pipeline
	renderer   emit.Renderer
	buffer     *emit.Buffer
	counter    *emit.Counter
	audit      *observability.AuditLogger
	metrics    *observability.Metrics
	logger     *slog.Logger
	newUnitID  idgen.Generator

	snapSet bool
	started time.Time
	active  atomic.Int64
	roots   atomic.Int64
	degr    atomic.Int64
	closers []io.Closer
}

// Option configures a Processor.
type Option func(*Processor)

// WithSnapshot skips probing and uses snap.
func WithSnapshot(snap probe.Snapshot) Option {
	return func(p *Processor) { p.snap, p.snapSet = snap, true }
}

// WithRunner sets the external tool runner used by the probe, readpst and
// the renderer.
func WithRunner(r probe.Runner) Option { return func(p *Processor) { p.runner = r } }

// WithCatalog replaces the catalog named in the config.
func WithCatalog(c *catalog.Catalog) Option { return func(p *Processor) { p.cat = c } }

// WithRenderer replaces the renderer built from the config.
func WithRenderer(r emit.Renderer) Option { return func(p *Processor) { p.renderer = r } }

// WithBuffer replaces the process buffer of the serialized strategy.
func WithBuffer(b *emit.Buffer) Option { return func(p *Processor) { p.buffer = b } }

// WithAudit records one audit entry per unit.
func WithAudit(a *observability.AuditLogger) Option { return func(p *Processor) { p.audit = a } }

// WithMetrics records unit durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// New validates cfg, probes the platform (unless a snapshot is given),
// builds the renderer when enabled and resolves the emission capability.
func New(ctx context.Context, cfg Config, out emit.Output, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errors.New("processing: output is required")
	}
	p := &Processor{
		cfg:       cfg,
		out:       out,
		counter:   &emit.Counter{},
		logger:    slog.Default(),
		newUnitID: idgen.Prefixed("unit-", idgen.NanoID(12)),
		started:   time.Now(),
	}
	for _, fn := range opts {
		fn(p)
	}
	p.mode, _ = normalize.ParseMode(cfg.Metadata.Mode)
	p.algo, _ = emit.ParseAlgo(cfg.Digest)
	setting, _ := probe.ParseCapability(cfg.Capability)

	if p.runner == nil {
		p.runner = probe.ExecRunner{Timeout: 10 * time.Minute, Stderr: true}
	}
	if !p.snapSet {
		p.snap = probe.Run(ctx, p.runner, probe.WithLogger(p.logger))
	}
	if p.cat == nil {
		p.cat = catalog.LoadOrEmpty(cfg.Metadata.Catalog, p.logger)
	}
	p.opener = container.NewOpener(container.WithLogger(p.logger))
	p.pipe = docpipe.New(docpipe.Config{
		MaxFileSize:  cfg.MaxFileBytes(),
		MaxTextBytes: cfg.Extract.MaxTextBytes,
		Logger:       p.logger,
	})

	if p.renderer == nil && cfg.Render.Enabled {
		r, err := render.New(render.Config{
			OutputDir:     cfg.Render.OutputDir,
			Timeout:       cfg.Render.Timeout,
			NoPlaceholder: cfg.Render.NoPlaceholder,
			Logger:        p.logger,
		}, p.snap, p.runner)
		if err != nil {
			return nil, fmt.Errorf("processing: %w", err)
		}
		p.renderer = r
		p.closers = append(p.closers, r)
	}
	rendererConcurrent := p.renderer == nil || p.renderer.Concurrent()
	p.capability = probe.Resolve(setting, p.snap, rendererConcurrent)
	if p.capability == probe.CapabilitySerialized && p.buffer == nil {
		p.buffer = emit.ProcessBuffer()
	}

	if n, err := stage.Sweep(cfg.ScratchDir, cfg.ScratchMaxAge); err != nil {
		p.logger.Warn("scratch sweep failed", "dir", cfg.ScratchDir, "error", err)
	} else if n > 0 {
		p.logger.Info("stale scratch arenas removed", "dir", cfg.ScratchDir, "count", n)
	}

	p.logger.Info("processor ready",
		"capability", p.capability, "workers", cfg.Workers, "digest", p.algo,
		"mode", p.mode, "catalog_fields", p.cat.Len(), "probe", p.snap.Summary())
	return p, nil
}

// Capability returns the resolved emission strategy.
func (p *Processor) Capability() probe.Capability { return p.capability }

// Snapshot returns the platform probe result.
func (p *Processor) Snapshot() probe.Snapshot { return p.snap }

// Catalog returns the metadata catalog in use.
func (p *Processor) Catalog() *catalog.Catalog { return p.cat }

// Mode returns the export mode.
func (p *Processor) Mode() normalize.Mode { return p.mode }

// Items returns the number of records delivered.
func (p *Processor) Items() int64 { return p.counter.Load() }

// Status implements observability.Source.
func (p *Processor) Status() observability.Status {
	ms := p.opener.Stats()
	return observability.Status{
		Items:        p.counter.Load(),
		ActiveMounts: ms.Active,
		Mounts:       ms.Mounts,
		Unmounts:     ms.Unmounts,
		ActiveUnits:  p.active.Load(),
		Roots:        p.roots.Load(),
		Degraded:     p.degr.Load(),
		Probe:        p.snap.Summary(),
		Capability:   string(p.capability),
		StartedAt:    p.started,
		Uptime:       time.Since(p.started).Round(time.Second).String(),
	}
}

// Run expands roots on the worker pool and returns one result per root, in
// input order. It returns an error only when ctx ends the run or a record
// cannot be delivered.
func (p *Processor) Run(ctx context.Context, roots []string) ([]UnitResult, error) {
	results := make([]UnitResult, len(roots))
	errs := make([]error, len(roots))
	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup

	for i, root := range roots {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return results[:i], ctx.Err()
		}
		wg.Add(1)
		go func(i int, root string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], errs[i] = p.ExpandRoot(ctx, root)
		}(i, root)
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

// ExpandRoot runs one processing unit over root.
func (p *Processor) ExpandRoot(ctx context.Context, root string) (res UnitResult, err error) {
	unitID := p.newUnitID()
	ctx = kit.WithUnit(ctx, unitID)
	res = UnitResult{UnitID: unitID, Root: root}
	logger := p.logger.With(kit.LogAttrs(ctx)...)
	start := time.Now()

	p.active.Add(1)
	p.roots.Add(1)
	defer func() {
		p.active.Add(-1)
		res.Duration = time.Since(start)
		if err != nil {
			res.Error = err.Error()
		}
		p.degr.Add(int64(res.Walk.Degraded))
		p.record(res, err)
	}()

	sink := emit.NewSink(p.capability, p.out,
		emit.WithRenderer(p.renderer),
		emit.WithBuffer(p.buffer),
		emit.WithCounter(p.counter),
		emit.WithDigest(p.algo),
		emit.WithCatalog(p.cat),
		emit.WithLogger(logger),
	)
	defer sink.Flush()

	arena, err := stage.NewArena(p.cfg.ScratchDir, unitID, stage.Options{MaxBytes: p.cfg.MaxMemberBytes(), Logger: logger})
	if err != nil {
		// Without scratch space nothing below the root can be staged.
		res.Walk = walk.Result{Root: root, Aborted: true}
		if derr := sink.Degraded(ctx, unitID, root, "", err); derr != nil {
			return res, errors.Join(err, derr)
		}
		res.Walk.Degraded = 1
		return res, nil
	}
	defer func() {
		if cerr := arena.Close(); cerr != nil {
			logger.Warn("arena cleanup failed", "error", cerr)
		}
	}()

	leaves := newLeafHandler(p, unitID, root, sink)
	disp := dispatch.New(leaves,
		dispatch.WithOpener(p.opener),
		dispatch.WithReadpst(p.runner, p.snap.Readpst),
		dispatch.WithLogger(logger),
	)
	w := walk.New(p.opener, arena, disp, sink, walk.Options{
		Unit:        unitID,
		MaxDepth:    p.cfg.MaxDepth,
		Distributed: p.cfg.Distributed,
		Logger:      logger,
	})
	res.Walk, err = w.Walk(ctx, root)
	return res, err
}

func (p *Processor) record(res UnitResult, err error) {
	status := observability.UnitDone
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		status = observability.UnitCancelled
	case err != nil:
		status = observability.UnitFailed
	case res.Walk.Aborted:
		status = observability.UnitAborted
	}
	if p.audit != nil {
		p.audit.LogAsync(&observability.UnitEntry{
			UnitID:       res.UnitID,
			Root:         res.Root,
			Status:       status,
			Leaves:       res.Walk.Leaves,
			Nested:       res.Walk.Nested,
			Degraded:     res.Walk.Degraded,
			DurationMs:   res.Duration.Milliseconds(),
			ErrorMessage: res.Error,
		})
	}
	if p.metrics != nil {
		p.metrics.Record(&observability.Metric{
			Name:      observability.MetricUnitDurationMs,
			Timestamp: time.Now(),
			Value:     float64(res.Duration.Milliseconds()),
			Labels:    map[string]string{"status": status, "root": filepath.Base(res.Root)},
			Unit:      "milliseconds",
		})
	}
}

// Close releases the renderer.
func (p *Processor) Close() error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
