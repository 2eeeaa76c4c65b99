package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/ediscovery/idgen"
)

// Unit statuses.
const (
	UnitDone      = "done"
	UnitAborted   = "aborted"
	UnitFailed    = "failed"
	UnitCancelled = "cancelled"
)

// UnitEntry is the audit row of one processing unit.
type UnitEntry struct {
	EntryID      string    `json:"entry_id"`
	Timestamp    time.Time `json:"timestamp"`
	UnitID       string    `json:"unit_id"`
	Root         string    `json:"root"`
	Status       string    `json:"status"`
	Leaves       int       `json:"leaves"`
	Nested       int       `json:"nested"`
	Degraded     int       `json:"degraded"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// AuditFilter narrows Units. Zero fields match everything; Limit defaults
// to 100.
type AuditFilter struct {
	Root   string
	Status string
	Since  time.Time
	Limit  int
}

// AuditLogger records one row per processing unit in unit_audit. Entries
// are batched; none is dropped, a full queue costs the caller a direct
// insert instead.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	b      *batcher[*UnitEntry]
}

// NewAuditLogger starts an audit writer queueing up to bufferSize entries.
func NewAuditLogger(db *sql.DB, bufferSize int, logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		db:     db,
		newID:  idgen.Prefixed("audit_", idgen.Default),
		logger: logger,
		b: newBatcher(db, "unit_audit", bufferSize, 5*time.Second, logger,
			func(ctx context.Context, tx *sql.Tx, entries []*UnitEntry) error { return insertAudit(ctx, tx, entries) }),
	}
}

// Log writes e now.
func (a *AuditLogger) Log(ctx context.Context, e *UnitEntry) error {
	a.complete(e)
	if err := insertAudit(ctx, a.db, []*UnitEntry{e}); err != nil {
		return fmt.Errorf("observability: audit %s: %w", e.UnitID, err)
	}
	return nil
}

// LogAsync queues e for the next batch.
func (a *AuditLogger) LogAsync(e *UnitEntry) {
	a.complete(e)
	if a.b.offer(e) {
		return
	}
	a.logger.Warn("audit queue full, writing directly", "unit", e.UnitID)
	if err := insertAudit(context.Background(), a.db, []*UnitEntry{e}); err != nil {
		a.logger.Error("audit entry lost", "unit", e.UnitID, "error", err)
	}
}

// Query returns the entries matching f, newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]*UnitEntry, error) {
	return Units(ctx, a.db, f)
}

// Close writes the queued entries and stops the writer.
func (a *AuditLogger) Close() error {
	a.b.close()
	return nil
}

// complete fills the id, the time, and a status derived from the error.
func (a *AuditLogger) complete(e *UnitEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Status == "" {
		e.Status = UnitDone
		if e.ErrorMessage != "" {
			e.Status = UnitFailed
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, db execer, entries []*UnitEntry) error {
	for _, e := range entries {
		_, err := db.ExecContext(ctx, `INSERT INTO unit_audit
			(entry_id, at, unit_id, root, status, leaves, nested, degraded, duration_ms, error_message)
			VALUES (?,?,?,?,?,?,?,?,?,?)`,
			e.EntryID, e.Timestamp.UnixMilli(), e.UnitID, e.Root, e.Status,
			e.Leaves, e.Nested, e.Degraded, e.DurationMs, e.ErrorMessage)
		if err != nil {
			return err
		}
	}
	return nil
}

// Units returns the audit entries matching f, newest first.
func Units(ctx context.Context, db *sql.DB, f AuditFilter) ([]*UnitEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Root != "" {
		where = append(where, "root = ?")
		args = append(args, f.Root)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	q := `SELECT entry_id, at, unit_id, root, status, leaves, nested, degraded, duration_ms, error_message FROM unit_audit`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY at DESC, entry_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: units: %w", err)
	}
	defer rows.Close()

	var out []*UnitEntry
	for rows.Next() {
		var (
			e  UnitEntry
			at int64
		)
		if err := rows.Scan(&e.EntryID, &at, &e.UnitID, &e.Root, &e.Status,
			&e.Leaves, &e.Nested, &e.Degraded, &e.DurationMs, &e.ErrorMessage); err != nil {
			return nil, fmt.Errorf("observability: units: %w", err)
		}
		e.Timestamp = time.UnixMilli(at)
		out = append(out, &e)
	}
	return out, rows.Err()
}
