package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/ediscovery/dbopen"
)

// migrations[i] moves the status database from user_version i to i+1.
// The status database is its own file, apart from the result store, so
// sampling never contends with record writes.
var migrations = []string{
	`
CREATE TABLE expand_workers (
    worker        TEXT PRIMARY KEY,
    host          TEXT NOT NULL,
    pid           INTEGER NOT NULL,
    state         TEXT NOT NULL,
    started_at    INTEGER NOT NULL,
    beat_at       INTEGER NOT NULL,
    items         INTEGER NOT NULL DEFAULT 0,
    active_mounts INTEGER NOT NULL DEFAULT 0,
    active_units  INTEGER NOT NULL DEFAULT 0,
    degraded      INTEGER NOT NULL DEFAULT 0,
    goroutines    INTEGER NOT NULL DEFAULT 0,
    heap_mb       REAL NOT NULL DEFAULT 0
);

CREATE TABLE expand_metrics (
    name   TEXT NOT NULL,
    at     INTEGER NOT NULL,
    value  REAL NOT NULL,
    labels TEXT,
    unit   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_expand_metrics_name_at ON expand_metrics(name, at DESC);

CREATE TABLE unit_audit (
    entry_id      TEXT PRIMARY KEY,
    at            INTEGER NOT NULL,
    unit_id       TEXT NOT NULL,
    root          TEXT NOT NULL,
    status        TEXT NOT NULL,
    leaves        INTEGER NOT NULL DEFAULT 0,
    nested        INTEGER NOT NULL DEFAULT 0,
    degraded      INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX idx_unit_audit_at ON unit_audit(at DESC);
CREATE INDEX idx_unit_audit_root ON unit_audit(root);
`,
}

// SchemaVersion is the user_version Init leaves the database at.
var SchemaVersion = len(migrations)

// Init brings db up to SchemaVersion. Each step commits with its version
// bump, so an interrupted upgrade resumes where it stopped.
func Init(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("observability: schema version: %w", err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("observability: status database is v%d, newer than this build (v%d)", version, SchemaVersion)
	}
	for v := version; v < SchemaVersion; v++ {
		err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("observability: migrate to v%d: %w", v+1, err)
		}
	}
	return nil
}

// Prune deletes metric points and audit entries recorded before cutoff,
// and workers that stopped before it. Running workers are kept however old
// their last beat, so a hung worker stays visible.
func Prune(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()
	var total int64
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		total = 0
		for _, stmt := range []string{
			`DELETE FROM expand_metrics WHERE at < ?`,
			`DELETE FROM unit_audit WHERE at < ?`,
			`DELETE FROM expand_workers WHERE state = '` + WorkerStopped + `' AND beat_at < ?`,
		} {
			res, err := tx.ExecContext(ctx, stmt, ms)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("observability: prune: %w", err)
	}
	return total, nil
}
