// Package vtq is the distributed output channel of the expansion engine: a
// visibility-timeout queue of emitted records kept in SQLite.
//
// Expansion processes publish records. Drain consumers lease them, write
// them to the result store and complete the lease. A leased record stays
// hidden until its lease runs out; a consumer that crashes or overruns
// loses the record to the next one. Records leased more than MaxAttempts
// times, and records whose body no longer decodes, go to the dead-letter
// table instead of circulating forever.
package vtq

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/ediscovery/dbopen"
	"github.com/hazyhaar/ediscovery/emit"
	"github.com/hazyhaar/ediscovery/idgen"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
    id          TEXT PRIMARY KEY,
    queue       TEXT NOT NULL,
    dedup_key   TEXT NOT NULL,
    body        BLOB NOT NULL,
    ready_at    INTEGER NOT NULL,
    enqueued_at INTEGER NOT NULL,
    attempt     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_items_ready ON queue_items(queue, ready_at);

CREATE TABLE IF NOT EXISTS queue_dead (
    id        TEXT PRIMARY KEY,
    queue     TEXT NOT NULL,
    dedup_key TEXT NOT NULL,
    body      BLOB NOT NULL,
    attempt   INTEGER NOT NULL,
    reason    TEXT NOT NULL,
    buried_at INTEGER NOT NULL
);
`

// ErrLeaseLost is returned when a lease ran out and the record was leased
// again, completed or buried by another consumer.
var ErrLeaseLost = errors.New("vtq: lease lost")

// Config names a queue and tunes its leases.
type Config struct {
	// Name separates queues sharing one database.
	Name string
	// Visibility is the lease length. Default 30s.
	Visibility time.Duration
	// Poll is the wait between empty lease rounds. Default 1s.
	Poll time.Duration
	// MaxAttempts buries a record on its next lease once it was leased
	// this many times. 0 never buries.
	MaxAttempts int
	Logger      *slog.Logger
}

// Queue is a handle on one named queue.
type Queue struct {
	db    *sql.DB
	cfg   Config
	newID idgen.Generator
}

// Open creates the queue tables when missing and returns a handle on the
// queue cfg.Name.
func Open(ctx context.Context, db *sql.DB, cfg Config) (*Queue, error) {
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("vtq: schema: %w", err)
	}
	return &Queue{db: db, cfg: cfg, newID: idgen.UUIDv7()}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// Publish enqueues recs in one transaction, ready at once.
func (q *Queue) Publish(ctx context.Context, recs ...emit.Record) error {
	if len(recs) == 0 {
		return nil
	}
	bodies := make([][]byte, len(recs))
	for i, rec := range recs {
		b, err := emit.Marshal(rec)
		if err != nil {
			return fmt.Errorf("vtq: publish %s: %w", rec.Key, err)
		}
		bodies[i] = b
	}
	now := time.Now().UnixMilli()
	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO queue_items
			(id, queue, dedup_key, body, ready_at, enqueued_at) VALUES (?,?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, rec := range recs {
			if _, err := stmt.ExecContext(ctx, q.newID(), q.cfg.Name, rec.Key, bodies[i], now, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("vtq: publish %d records: %w", len(recs), err)
	}
	return nil
}

// Lease is a record held by one consumer until Until.
type Lease struct {
	ID       string
	Record   emit.Record
	Attempt  int
	Enqueued time.Time
	Until    time.Time
}

type leased struct {
	id, key  string
	body     []byte
	enqueued int64
	attempt  int
}

// Lease takes up to n ready records, oldest first, and hides them for the
// visibility period. It returns an empty slice when none is ready.
func (q *Queue) Lease(ctx context.Context, n int) ([]*Lease, error) {
	if n <= 0 {
		n = 1
	}
	now := time.Now()
	until := now.Add(q.cfg.Visibility)
	var out []*Lease
	err := dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		out = out[:0]
		rows, err := tx.QueryContext(ctx, `
			UPDATE queue_items SET ready_at = ?, attempt = attempt + 1
			WHERE id IN (
				SELECT id FROM queue_items
				WHERE queue = ? AND ready_at <= ?
				ORDER BY ready_at, id
				LIMIT ?)
			RETURNING id, dedup_key, body, enqueued_at, attempt`,
			until.UnixMilli(), q.cfg.Name, now.UnixMilli(), n)
		if err != nil {
			return err
		}
		var got []leased
		for rows.Next() {
			var l leased
			if err := rows.Scan(&l.id, &l.key, &l.body, &l.enqueued, &l.attempt); err != nil {
				rows.Close()
				return err
			}
			got = append(got, l)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		slices.SortFunc(got, func(a, b leased) int {
			return cmp.Or(cmp.Compare(a.enqueued, b.enqueued), cmp.Compare(a.id, b.id))
		})

		for _, l := range got {
			if q.cfg.MaxAttempts > 0 && l.attempt > q.cfg.MaxAttempts {
				if err := q.bury(ctx, tx, l, fmt.Sprintf("leased %d times", l.attempt-1)); err != nil {
					return err
				}
				continue
			}
			rec, err := emit.Unmarshal(l.body)
			if err != nil {
				if err := q.bury(ctx, tx, l, "undecodable: "+err.Error()); err != nil {
					return err
				}
				continue
			}
			out = append(out, &Lease{
				ID:       l.id,
				Record:   rec,
				Attempt:  l.attempt,
				Enqueued: time.UnixMilli(l.enqueued),
				Until:    until,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vtq: lease: %w", err)
	}
	if out == nil {
		out = []*Lease{}
	}
	return out, nil
}

func (q *Queue) bury(ctx context.Context, tx *sql.Tx, l leased, reason string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ? AND attempt = ?`, l.id, l.attempt)
	if err != nil {
		return err
	}
	if err := fenced(res); err != nil {
		return err
	}
	q.cfg.Logger.Warn("vtq: record buried", "queue", q.cfg.Name, "id", l.id, "key", l.key, "attempt", l.attempt, "reason", reason)
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO queue_dead
		(id, queue, dedup_key, body, attempt, reason, buried_at) VALUES (?,?,?,?,?,?,?)`,
		l.id, q.cfg.Name, l.key, l.body, l.attempt, reason, time.Now().UnixMilli())
	return err
}

// Complete removes a leased record for good. It fails with ErrLeaseLost
// when the record was leased again since l.
func (q *Queue) Complete(ctx context.Context, l *Lease) error {
	return q.exec(ctx, "complete", l, `DELETE FROM queue_items WHERE id = ? AND queue = ? AND attempt = ?`,
		l.ID, q.cfg.Name, l.Attempt)
}

// Release hands a leased record back, ready at once.
func (q *Queue) Release(ctx context.Context, l *Lease) error {
	return q.exec(ctx, "release", l, `UPDATE queue_items SET ready_at = 0 WHERE id = ? AND queue = ? AND attempt = ?`,
		l.ID, q.cfg.Name, l.Attempt)
}

// Renew extends a lease to d from now.
func (q *Queue) Renew(ctx context.Context, l *Lease, d time.Duration) error {
	until := time.Now().Add(d)
	err := q.exec(ctx, "renew", l, `UPDATE queue_items SET ready_at = ? WHERE id = ? AND queue = ? AND attempt = ?`,
		until.UnixMilli(), l.ID, q.cfg.Name, l.Attempt)
	if err == nil {
		l.Until = until
	}
	return err
}

// Bury moves a leased record to the dead-letter table.
func (q *Queue) Bury(ctx context.Context, l *Lease, reason string) error {
	body, err := emit.Marshal(l.Record)
	if err != nil {
		return fmt.Errorf("vtq: bury %s: %w", l.ID, err)
	}
	err = dbopen.RunTx(ctx, q.db, func(tx *sql.Tx) error {
		return q.bury(ctx, tx, leased{id: l.ID, key: l.Record.Key, body: body, attempt: l.Attempt}, reason)
	})
	if err != nil {
		return fmt.Errorf("vtq: bury %s: %w", l.ID, err)
	}
	return nil
}

func (q *Queue) exec(ctx context.Context, op string, l *Lease, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err == nil {
		err = fenced(res)
	}
	if err != nil {
		return fmt.Errorf("vtq: %s %s: %w", op, l.ID, err)
	}
	return nil
}

// fenced maps an update that matched no row to ErrLeaseLost.
func fenced(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Stats counts the records of the queue.
type Stats struct {
	Ready  int `json:"ready"`
	Leased int `json:"leased"`
	Dead   int `json:"dead"`
}

// Stats reports how many records are ready, leased and buried.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(ready_at <= ?), 0),
			COALESCE(SUM(ready_at > ?), 0),
			(SELECT COUNT(*) FROM queue_dead WHERE queue = ?)
		FROM queue_items WHERE queue = ?`,
		time.Now().UnixMilli(), time.Now().UnixMilli(), q.cfg.Name, q.cfg.Name).Scan(&s.Ready, &s.Leased, &s.Dead)
	if err != nil {
		return s, fmt.Errorf("vtq: stats: %w", err)
	}
	return s, nil
}

// Purge drops every pending record of the queue and returns how many.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_items WHERE queue = ?`, q.cfg.Name)
	if err != nil {
		return 0, fmt.Errorf("vtq: purge: %w", err)
	}
	return res.RowsAffected()
}

// Handler processes one lease. A nil return completes it; an error
// releases it for another attempt.
type Handler func(ctx context.Context, l *Lease) error

// Consume leases up to batch records at a time and runs h on at most
// workers of them at once, until ctx ends. It waits for running handlers
// before returning. Completion and release use a context that outlives
// ctx, so a lease never stays hidden because the consumer shut down.
func (q *Queue) Consume(ctx context.Context, batch, workers int, h Handler) {
	batch = max(batch, 1)
	workers = max(workers, 1)
	log := q.cfg.Logger.With("queue", q.cfg.Name)
	log.Info("vtq: consumer started", "batch", batch, "workers", workers, "visibility", q.cfg.Visibility)

	var g errgroup.Group
	g.SetLimit(workers)
	defer func() {
		_ = g.Wait()
		log.Info("vtq: consumer stopped")
	}()

	keep := context.WithoutCancel(ctx)
	wait := time.NewTimer(0)
	defer wait.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wait.C:
		}
		leases, err := q.Lease(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("vtq: lease failed", "error", err)
		}
		for i, l := range leases {
			if ctx.Err() != nil {
				for _, rest := range leases[i:] {
					_ = q.Release(keep, rest)
				}
				return
			}
			g.Go(func() error {
				if err := h(ctx, l); err != nil {
					log.Warn("vtq: handler failed, releasing", "id", l.ID, "key", l.Record.Key, "attempt", l.Attempt, "error", err)
					if err := q.Release(keep, l); err != nil {
						log.Error("vtq: release failed", "id", l.ID, "error", err)
					}
					return nil
				}
				if err := q.Complete(keep, l); err != nil {
					log.Error("vtq: complete failed", "id", l.ID, "error", err)
				}
				return nil
			})
		}
		// A full batch suggests more is ready.
		if len(leases) == batch {
			wait.Reset(0)
		} else {
			wait.Reset(q.cfg.Poll)
		}
	}
}
