// Package store is the local compute layer: it keeps emitted records in
// SQLite, collapses byte-identical documents onto their dedup key, and
// exports the collection as a delimited load file.
//
// The first non-degraded record for a key becomes the document; later
// records with the same key are kept in the duplicates table as extra
// locations. Degraded records are never collapsed, because several failures
// inside one root share that root's key.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/ediscovery/dbopen"
	"github.com/hazyhaar/ediscovery/emit"
)

// Schema is applied by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	key        TEXT NOT NULL,
	unit       TEXT NOT NULL DEFAULT '',
	root       TEXT NOT NULL,
	path       TEXT NOT NULL,
	degraded   INTEGER NOT NULL DEFAULT 0,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_key ON documents (key) WHERE degraded = 0;
CREATE INDEX IF NOT EXISTS idx_documents_root ON documents (root);
CREATE TABLE IF NOT EXISTS duplicates (
	key        TEXT NOT NULL,
	unit       TEXT NOT NULL DEFAULT '',
	root       TEXT NOT NULL,
	path       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (key, root, path)
);
`

// Options configures a Store.
type Options struct {
	Logger *slog.Logger
}

// Store implements emit.Output on SQLite.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	progress atomic.Int64
	lastBeat atomic.Int64
}

// New wraps db. Call EnsureSchema once at startup.
func New(db *sql.DB, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{db: db, logger: opts.Logger}
}

// Open opens (or creates) the store database at path.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithImmediateTx())
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s := New(db, opts)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// EnsureSchema creates the tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}
	return nil
}

// Write implements emit.Output. A key already held by a document records
// the new location as a duplicate.
func (s *Store) Write(ctx context.Context, key string, rec emit.Record) error {
	rec.Key = key
	payload, err := emit.Marshal(rec)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	var duplicate bool
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO documents (key, unit, root, path, degraded, payload, created_at) VALUES (?,?,?,?,?,?,?)`,
			key, rec.Unit, rec.Root, rec.Path, rec.Degraded, payload, now,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		duplicate = true
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO duplicates (key, unit, root, path, created_at) VALUES (?,?,?,?,?)`,
			key, rec.Unit, rec.Root, rec.Path, now,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	if duplicate {
		s.logger.Debug("duplicate collapsed", "key", key, "root", rec.Root, "path", rec.Path)
	}
	return nil
}

// Progress implements emit.Output.
func (s *Store) Progress() {
	s.progress.Add(1)
	s.lastBeat.Store(time.Now().UnixMilli())
}

// Progressed returns the number of progress signals received.
func (s *Store) Progressed() int64 { return s.progress.Load() }

// LastProgress returns the time of the last progress signal, zero if none.
func (s *Store) LastProgress() time.Time {
	ms := s.lastBeat.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Stats summarizes the store content.
type Stats struct {
	Documents  int `json:"documents"`
	Degraded   int `json:"degraded"`
	Duplicates int `json:"duplicates"`
	Roots      int `json:"roots"`
}

// Stats counts documents, degraded records, duplicates and distinct roots.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents WHERE degraded = 0),
			(SELECT COUNT(*) FROM documents WHERE degraded = 1),
			(SELECT COUNT(*) FROM duplicates),
			(SELECT COUNT(DISTINCT root) FROM documents)`,
	).Scan(&st.Documents, &st.Degraded, &st.Duplicates, &st.Roots)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

// Location is one place a document was found.
type Location struct {
	Root string `json:"root"`
	Path string `json:"path"`
}

// Locations returns where the document with key was found: the kept copy
// first, then its duplicates in arrival order.
func (s *Store) Locations(ctx context.Context, key string) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT root, path FROM (
			SELECT root, path, 0 AS grp, created_at FROM documents WHERE key = ? AND degraded = 0
			UNION ALL
			SELECT root, path, 1 AS grp, created_at FROM duplicates WHERE key = ?
		) ORDER BY grp, created_at, path`, key, key)
	if err != nil {
		return nil, fmt.Errorf("store: locations: %w", err)
	}
	defer rows.Close()
	var out []Location
	for rows.Next() {
		var l Location
		if err := rows.Scan(&l.Root, &l.Path); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Each calls fn for every stored record in arrival order.
func (s *Store) Each(ctx context.Context, fn func(emit.Record) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM documents ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("store: scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("store: scan: %w", err)
		}
		rec, err := emit.Unmarshal(payload)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}
