package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/ediscovery/catalog"
	"github.com/hazyhaar/ediscovery/dbopen"
	"github.com/hazyhaar/ediscovery/emit"
	"github.com/hazyhaar/ediscovery/normalize"
	"github.com/hazyhaar/ediscovery/observability"
	"github.com/hazyhaar/ediscovery/processing"
	"github.com/hazyhaar/ediscovery/store"
	"github.com/hazyhaar/ediscovery/vtq"
)

// stack holds the resources one command opens, released in reverse order.
type stack struct {
	closers []func() error
	logger  *slog.Logger
}

func (s *stack) push(fn func() error) { s.closers = append(s.closers, fn) }

func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("close", "error", err)
		}
	}
}

// openOutput returns the record destination: the queue in distributed mode,
// the result store otherwise. st is nil in distributed mode.
func (s *stack) openOutput(ctx context.Context, cfg *processing.Config) (emit.Output, *store.Store, error) {
	if cfg.Distributed {
		q, err := s.openQueue(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return vtq.NewPublisher(q), nil, nil
	}
	st, err := s.openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return st, st, nil
}

func (s *stack) openStore(ctx context.Context, cfg *processing.Config) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Path, store.Options{Logger: s.logger})
	if err != nil {
		return nil, err
	}
	s.push(st.Close)
	return st, nil
}

func (s *stack) openQueue(ctx context.Context, cfg *processing.Config) (*vtq.Queue, error) {
	db, err := dbopen.Open(cfg.Queue.Path, dbopen.WithMkdirAll(), dbopen.WithImmediateTx(), dbopen.WithBusyTimeout(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	s.push(db.Close)
	return vtq.Open(ctx, db, vtq.Config{
		Name:        cfg.Queue.Name,
		Visibility:  cfg.Queue.Visibility,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Logger:      s.logger,
	})
}

// observers is the status database with its writers.
type observers struct {
	db      *sql.DB
	audit   *observability.AuditLogger
	metrics *observability.Metrics
}

func (s *stack) openObservers(ctx context.Context, cfg *processing.Config) (*observers, error) {
	if cfg.Status.DB == "" {
		return &observers{}, nil
	}
	db, err := dbopen.Open(cfg.Status.DB, dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("open status db: %w", err)
	}
	s.push(db.Close)
	if err := observability.Init(ctx, db); err != nil {
		return nil, err
	}
	if ret := cfg.Status.Retention; ret > 0 {
		n, err := observability.Prune(ctx, db, time.Now().Add(-ret))
		if err != nil {
			s.logger.Warn("status prune failed", "error", err)
		} else if n > 0 {
			s.logger.Info("status database pruned", "rows", n, "retention", ret)
		}
	}
	o := &observers{
		db:      db,
		audit:   observability.NewAuditLogger(db, 256, s.logger),
		metrics: observability.NewMetrics(db, 512, 10*time.Second, s.logger),
	}
	s.push(o.audit.Close)
	s.push(o.metrics.Close)
	return o, nil
}

func (o *observers) options() []processing.Option {
	var opts []processing.Option
	if o.audit != nil {
		opts = append(opts, processing.WithAudit(o.audit))
	}
	if o.metrics != nil {
		opts = append(opts, processing.WithMetrics(o.metrics))
	}
	return opts
}

// watch starts the heartbeat writer and, when listen is set, the status
// server. Both stop when ctx is done or the stack closes.
func (s *stack) watch(ctx context.Context, cfg *processing.Config, obs *observers, src observability.Source) {
	if obs.db != nil {
		hb := observability.NewHeartbeat(obs.db, cfg.Status.Worker, cfg.Status.HeartbeatInterval, src, s.logger)
		hb.Start(ctx)
		s.push(func() error { hb.Stop(); return nil })

		if obs.metrics != nil {
			go sampleLoop(ctx, obs.metrics, src, cfg.Status.HeartbeatInterval)
		}
	}
	if cfg.Status.Listen == "" {
		return
	}

	r := chi.NewRouter()
	observability.Routes(r, observability.HandlerConfig{
		Source: src,
		DB:     obs.db,
		Worker: cfg.Status.Worker,
		Stale:  3 * cfg.Status.HeartbeatInterval,
		Logger: s.logger,
	})
	srv := &http.Server{Addr: cfg.Status.Listen, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		s.logger.Info("status server listening", "addr", cfg.Status.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server", "error", err)
		}
	}()
	s.push(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func sampleLoop(ctx context.Context, mm *observability.Metrics, src observability.Source, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			mm.Sample(src.Status())
		}
	}
}

func (s *stack) newProcessor(ctx context.Context, cfg *processing.Config, out emit.Output, obs *observers) (*processing.Processor, error) {
	opts := append(obs.options(), processing.WithLogger(s.logger))
	p, err := processing.New(ctx, *cfg, out, opts...)
	if err != nil {
		return nil, err
	}
	s.push(p.Close)
	return p, nil
}

func cmdRun(ctx context.Context, cfg *processing.Config, _ *options, logger *slog.Logger, roots []string) error {
	s := &stack{logger: logger}
	defer s.close()

	out, st, err := s.openOutput(ctx, cfg)
	if err != nil {
		return err
	}
	obs, err := s.openObservers(ctx, cfg)
	if err != nil {
		return err
	}
	p, err := s.newProcessor(ctx, cfg, out, obs)
	if err != nil {
		return err
	}
	s.watch(ctx, cfg, obs, p)

	results, runErr := p.Run(ctx, roots)
	enc := json.NewEncoder(os.Stderr)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	logger.Info("run complete", "roots", len(roots), "items", p.Items(), "capability", string(p.Capability()))

	if st != nil && cfg.Store.Export != "" {
		if err := export(ctx, st, cfg, p.Catalog(), p.Mode(), logger); err != nil {
			return errors.Join(runErr, err)
		}
	}
	return runErr
}

func cmdDrain(ctx context.Context, cfg *processing.Config, _ *options, logger *slog.Logger) error {
	s := &stack{logger: logger}
	defer s.close()

	q, err := s.openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	st, err := s.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	obs, err := s.openObservers(ctx, cfg)
	if err != nil {
		return err
	}
	started := time.Now()
	s.watch(ctx, cfg, obs, observability.SourceFunc(func() observability.Status {
		return observability.Status{
			Items:     st.Progressed(),
			StartedAt: started,
			Uptime:    time.Since(started).Round(time.Second).String(),
		}
	}))

	logger.Info("draining queue", "queue", cfg.Queue.Name, "store", cfg.Store.Path)
	vtq.Drain(ctx, q, st, cfg.Queue.BatchSize, cfg.Workers)
	stats, err := q.Stats(context.WithoutCancel(ctx))
	if err != nil {
		logger.Warn("queue stats", "error", err)
	}
	logger.Info("drain stopped", "moved", st.Progressed(), "ready", stats.Ready, "leased", stats.Leased, "dead", stats.Dead)

	if cfg.Store.Export == "" {
		return nil
	}
	cat := catalog.LoadOrEmpty(cfg.Metadata.Catalog, logger)
	mode, err := normalize.ParseMode(cfg.Metadata.Mode)
	if err != nil {
		return err
	}
	// ctx is done here; the export gets its own.
	exportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	return export(exportCtx, st, cfg, cat, mode, logger)
}

func cmdExport(ctx context.Context, cfg *processing.Config, _ *options, logger *slog.Logger) error {
	if cfg.Store.Export == "" {
		return errors.New("export: no export path (set --export or store.export)")
	}
	s := &stack{logger: logger}
	defer s.close()

	st, err := s.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	mode, err := normalize.ParseMode(cfg.Metadata.Mode)
	if err != nil {
		return err
	}
	return export(ctx, st, cfg, catalog.LoadOrEmpty(cfg.Metadata.Catalog, logger), mode, logger)
}

func cmdServe(ctx context.Context, cfg *processing.Config, o *options, logger *slog.Logger) error {
	s := &stack{logger: logger}
	defer s.close()

	out, _, err := s.openOutput(ctx, cfg)
	if err != nil {
		return err
	}
	obs, err := s.openObservers(ctx, cfg)
	if err != nil {
		return err
	}
	p, err := s.newProcessor(ctx, cfg, out, obs)
	if err != nil {
		return err
	}
	s.watch(ctx, cfg, obs, p)

	if o.mcp {
		srv := mcp.NewServer(&mcp.Implementation{Name: "expand", Version: "v1.0.0"}, nil)
		p.RegisterMCP(srv)
		logger.Info("serving MCP on stdio")
		if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			return fmt.Errorf("mcp: %w", err)
		}
		return nil
	}
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func export(ctx context.Context, st *store.Store, cfg *processing.Config, cat *catalog.Catalog, mode normalize.Mode, logger *slog.Logger) error {
	n, err := st.Export(ctx, cfg.Store.Export, store.ExportOptions{
		Catalog:     cat,
		Mode:        mode,
		Separator:   cfg.Metadata.Separator,
		IncludeText: cfg.Metadata.IncludeText,
	})
	if err != nil {
		return err
	}
	logger.Info("export written", "path", cfg.Store.Export, "lines", n)
	return nil
}
