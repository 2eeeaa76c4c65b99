package store

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hazyhaar/ediscovery/catalog"
	"github.com/hazyhaar/ediscovery/emit"
	"github.com/hazyhaar/ediscovery/normalize"
)

// ExportOptions configures a delimited export.
type ExportOptions struct {
	Catalog   *catalog.Catalog
	Mode      normalize.Mode
	Separator string
	// IncludeText keeps the extracted text column. It must match the
	// setting the records were ingested with.
	IncludeText bool
}

// Export writes every stored record as one delimited line under a header
// line, to path. The file is written to a temporary name and renamed, so
// readers never see a partial export. It returns the number of lines
// written, header excluded.
func (s *Store) Export(ctx context.Context, path string, opts ExportOptions) (n int, err error) {
	nopts := normalize.Options{Separator: opts.Separator, IncludeText: opts.IncludeText}

	// First pass fixes the column layout so every line shares the header.
	layout := normalize.New(opts.Catalog, nopts)
	if err := s.Each(ctx, func(rec emit.Record) error {
		layout.Ingest(rec.Fields)
		return nil
	}); err != nil {
		return 0, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	if _, err := fmt.Fprintln(w, layout.HeaderLine(opts.Mode)); err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	err = s.Each(ctx, func(rec emit.Record) error {
		layout.Reinit()
		layout.Ingest(rec.Fields)
		if _, err := fmt.Fprintln(w, layout.Line(opts.Mode)); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("store: export: %w", err)
	}
	s.logger.Info("export written", "path", path, "lines", n, "mode", opts.Mode)
	return n, nil
}
