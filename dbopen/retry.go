package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"modernc.org/sqlite"
)

// Transactions that still hit a lock after busy_timeout are retried this
// many times, backing off from txBackoff with jitter.
const (
	txAttempts = 5
	txBackoff  = 50 * time.Millisecond
)

// Primary result codes; extended codes carry them in the low byte.
const (
	codeBusy   = 5
	codeLocked = 6
)

// IsBusy reports whether err carries SQLITE_BUSY or SQLITE_LOCKED, in any
// extended form.
func IsBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case codeBusy, codeLocked:
		return true
	}
	return false
}

// RunTx runs fn in a transaction and commits it. fn may run more than once:
// a transaction that fails on a lock is rolled back and retried.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	wait := txBackoff
	var err error
	for attempt := 1; ; attempt++ {
		err = runTx(ctx, db, fn)
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt == txAttempts {
			return fmt.Errorf("dbopen: still locked after %d attempts: %w", txAttempts, err)
		}
		jitter := time.Duration(rand.Int64N(int64(wait) / 2))
		select {
		case <-ctx.Done():
			return fmt.Errorf("dbopen: tx retry: %w", ctx.Err())
		case <-time.After(wait + jitter):
		}
		wait *= 2
	}
}

func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
