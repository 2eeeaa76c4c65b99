package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	rtmetrics "runtime/metrics"
	"sync"
	"time"
)

// Worker states.
const (
	WorkerRunning = "running"
	WorkerStopped = "stopped"
)

// processHealth reads the goroutine count and live heap size without the
// stop-the-world pause of runtime.ReadMemStats.
func processHealth() (goroutines int, heapMB float64) {
	samples := []rtmetrics.Sample{
		{Name: "/sched/goroutines:goroutines"},
		{Name: "/memory/classes/heap/objects:bytes"},
	}
	rtmetrics.Read(samples)
	if v := samples[0].Value; v.Kind() == rtmetrics.KindUint64 {
		goroutines = int(v.Uint64())
	}
	if v := samples[1].Value; v.Kind() == rtmetrics.KindUint64 {
		heapMB = float64(v.Uint64()) / (1 << 20)
	}
	return goroutines, heapMB
}

// Heartbeat keeps the row of one worker in expand_workers current. Drain
// fleets and the health check read liveness from it.
type Heartbeat struct {
	db      *sql.DB
	source  Source
	worker  string
	host    string
	pid     int
	started time.Time
	every   time.Duration
	logger  *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeat returns a heartbeat for worker sampling source every
// interval (15s when 0).
func NewHeartbeat(db *sql.DB, worker string, interval time.Duration, source Source, logger *slog.Logger) *Heartbeat {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		db:      db,
		source:  source,
		worker:  worker,
		host:    host,
		pid:     os.Getpid(),
		started: time.Now(),
		every:   interval,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Beat writes the current status as running.
func (h *Heartbeat) Beat(ctx context.Context) error { return h.write(ctx, WorkerRunning) }

func (h *Heartbeat) write(ctx context.Context, state string) error {
	st := h.source.Status()
	goroutines, heapMB := processHealth()
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO expand_workers (worker, host, pid, state, started_at, beat_at,
			items, active_mounts, active_units, degraded, goroutines, heap_mb)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(worker) DO UPDATE SET
			host = excluded.host, pid = excluded.pid, state = excluded.state,
			started_at = excluded.started_at, beat_at = excluded.beat_at,
			items = excluded.items, active_mounts = excluded.active_mounts,
			active_units = excluded.active_units, degraded = excluded.degraded,
			goroutines = excluded.goroutines, heap_mb = excluded.heap_mb`,
		h.worker, h.host, h.pid, state, h.started.UnixMilli(), time.Now().UnixMilli(),
		st.Items, st.ActiveMounts, st.ActiveUnits, st.Degraded, goroutines, heapMB)
	if err != nil {
		return fmt.Errorf("observability: heartbeat %s: %w", h.worker, err)
	}
	return nil
}

// Start beats once now, then every interval until Stop or ctx ends.
func (h *Heartbeat) Start(ctx context.Context) {
	go func() {
		defer close(h.done)
		t := time.NewTicker(h.every)
		defer t.Stop()
		beat := func(ctx context.Context, state string) {
			if err := h.write(ctx, state); err != nil {
				h.logger.Warn("heartbeat failed", "worker", h.worker, "error", err)
			}
		}
		beat(ctx, WorkerRunning)
		for {
			select {
			case <-t.C:
				beat(ctx, WorkerRunning)
			case <-h.stop:
				beat(context.WithoutCancel(ctx), WorkerStopped)
				return
			case <-ctx.Done():
				beat(context.WithoutCancel(ctx), WorkerStopped)
				return
			}
		}
	}()
}

// Stop marks the worker stopped and waits for the loop to exit. Start must
// have been called.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// WorkerStatus is the last beat of a worker and whether it still counts as
// alive.
type WorkerStatus struct {
	Worker       string    `json:"worker"`
	Host         string    `json:"host"`
	PID          int       `json:"pid"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	BeatAt       time.Time `json:"beat_at"`
	Items        int64     `json:"items"`
	ActiveMounts int64     `json:"active_mounts"`
	ActiveUnits  int64     `json:"active_units"`
	Degraded     int64     `json:"degraded"`
	Goroutines   int       `json:"goroutines"`
	HeapMB       float64   `json:"heap_mb"`
	Alive        bool      `json:"alive"`
	Silence      string    `json:"silence"`
}

const workerColumns = `worker, host, pid, state, started_at, beat_at,
	items, active_mounts, active_units, degraded, goroutines, heap_mb`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(row scanner, stale time.Duration) (WorkerStatus, error) {
	var (
		w               WorkerStatus
		started, beatMs int64
	)
	err := row.Scan(&w.Worker, &w.Host, &w.PID, &w.State, &started, &beatMs,
		&w.Items, &w.ActiveMounts, &w.ActiveUnits, &w.Degraded, &w.Goroutines, &w.HeapMB)
	if err != nil {
		return w, err
	}
	w.StartedAt = time.UnixMilli(started)
	w.BeatAt = time.UnixMilli(beatMs)
	silence := time.Since(w.BeatAt)
	w.Silence = silence.Round(time.Second).String()
	w.Alive = w.State == WorkerRunning && silence <= stale
	return w, nil
}

// Worker returns the status of the named worker, nil when it never beat.
// A running worker silent for longer than stale is not alive.
func Worker(ctx context.Context, db *sql.DB, name string, stale time.Duration) (*WorkerStatus, error) {
	row := db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM expand_workers WHERE worker = ?`, name)
	w, err := scanWorker(row, stale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: worker %s: %w", name, err)
	}
	return &w, nil
}

// Workers lists every known worker, most recent beat first.
func Workers(ctx context.Context, db *sql.DB, stale time.Duration) ([]WorkerStatus, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+workerColumns+` FROM expand_workers ORDER BY beat_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("observability: workers: %w", err)
	}
	defer rows.Close()
	var out []WorkerStatus
	for rows.Next() {
		w, err := scanWorker(rows, stale)
		if err != nil {
			return nil, fmt.Errorf("observability: workers: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
