// Package dbopen opens the SQLite files of an expansion run: the result
// store, the distributed queue and the status database. Pragmas travel in
// the DSN so every pooled connection gets them, not only the first.
//
// The pure-Go modernc.org/sqlite driver is registered here; callers need no
// blank import.
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

type settings struct {
	busy   time.Duration
	sync   string
	txlock string
	mkdir  bool
	ddl    []string
	ping   bool
}

// Option adjusts how Open prepares a database.
type Option func(*settings)

// WithBusyTimeout sets how long a connection waits on a lock held by
// another writer. Default 10s.
func WithBusyTimeout(d time.Duration) Option { return func(s *settings) { s.busy = d } }

// WithSynchronous sets PRAGMA synchronous (OFF, NORMAL, FULL). Default NORMAL,
// which is durable enough in WAL mode for records that can be re-expanded.
func WithSynchronous(mode string) Option { return func(s *settings) { s.sync = mode } }

// WithImmediateTx makes BEGIN take the write lock up front, so concurrent
// writers queue on busy_timeout instead of failing a lock upgrade.
func WithImmediateTx() Option { return func(s *settings) { s.txlock = "immediate" } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(s *settings) { s.mkdir = true } }

// WithSchema runs ddl once the database is open. Statements must be
// idempotent (CREATE ... IF NOT EXISTS).
func WithSchema(ddl string) Option { return func(s *settings) { s.ddl = append(s.ddl, ddl) } }

// WithoutPing skips connecting before Open returns.
func WithoutPing() Option { return func(s *settings) { s.ping = false } }

// DSN returns the modernc.org/sqlite data source name for path.
func DSN(path string, opts ...Option) string {
	return dsn(path, build(opts))
}

func build(opts []Option) settings {
	s := settings{busy: 10 * time.Second, sync: "NORMAL", ping: true}
	for _, o := range opts {
		o(&s)
	}
	return s
}

func dsn(path string, s settings) string {
	params := []string{"_pragma=foreign_keys(1)"}
	if path != memoryPath {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	params = append(params,
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.busy.Milliseconds()),
		fmt.Sprintf("_pragma=synchronous(%s)", s.sync),
	)
	if s.txlock != "" {
		params = append(params, "_txlock="+s.txlock)
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// Open opens the SQLite database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	s := build(opts)
	if s.mkdir && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path, s))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	fail := func(stage string, err error) (*sql.DB, error) {
		db.Close()
		return nil, fmt.Errorf("dbopen: %s %s: %w", stage, path, err)
	}
	if s.ping {
		if err := db.Ping(); err != nil {
			return fail("ping", err)
		}
	}
	for _, ddl := range s.ddl {
		if _, err := db.Exec(ddl); err != nil {
			return fail("schema", err)
		}
	}
	return db, nil
}

// OpenMemory opens a private in-memory database for a test and closes it
// at cleanup. The pool holds one connection: each connection to :memory:
// would otherwise see its own empty database.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, opts...)
	if err != nil {
		t.Fatalf("dbopen: memory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
