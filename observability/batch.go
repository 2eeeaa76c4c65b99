package observability

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/ediscovery/dbopen"
)

// batcher collects rows from any goroutine and writes them in one
// transaction per batch, when the batch fills or the timer fires.
type batcher[T any] struct {
	db      *sql.DB
	table   string
	size    int
	every   time.Duration
	write   func(ctx context.Context, tx *sql.Tx, rows []T) error
	logger  *slog.Logger
	queue   chan T
	dropped atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newBatcher[T any](db *sql.DB, table string, size int, every time.Duration, logger *slog.Logger,
	write func(context.Context, *sql.Tx, []T) error) *batcher[T] {
	if size <= 0 {
		size = 100
	}
	if every <= 0 {
		every = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &batcher[T]{
		db:     db,
		table:  table,
		size:   size,
		every:  every,
		write:  write,
		logger: logger,
		queue:  make(chan T, 4*size),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// offer queues row without blocking and reports whether it was taken.
func (b *batcher[T]) offer(row T) bool {
	select {
	case b.queue <- row:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

func (b *batcher[T]) run() {
	defer close(b.done)
	tick := time.NewTicker(b.every)
	defer tick.Stop()

	pending := make([]T, 0, b.size)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := dbopen.RunTx(ctx, b.db, func(tx *sql.Tx) error { return b.write(ctx, tx, pending) })
		if err != nil {
			b.logger.Error("observability: batch lost", "table", b.table, "rows", len(pending), "error", err)
		}
		pending = pending[:0]
	}
	add := func(row T) {
		pending = append(pending, row)
		if len(pending) >= b.size {
			flush()
		}
	}

	for {
		select {
		case row := <-b.queue:
			add(row)
		case <-tick.C:
			flush()
		case <-b.stop:
			for {
				select {
				case row := <-b.queue:
					add(row)
				default:
					flush()
					return
				}
			}
		}
	}
}

// close writes what is queued and stops the writer.
func (b *batcher[T]) close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}
