package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Series names.
const (
	MetricItems          = "items_emitted"
	MetricActiveMounts   = "active_mounts"
	MetricActiveUnits    = "active_units"
	MetricDegraded       = "degraded_records"
	MetricUnitDurationMs = "unit_duration_ms"
	MetricGoroutines     = "goroutines"
	MetricHeapMB         = "heap_mb"
)

// Metric is one point of a series.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"`
}

// Metrics writes points to expand_metrics in batches. Recording never
// waits on the database: when the queue is full the point is dropped and
// counted.
type Metrics struct {
	db *sql.DB
	b  *batcher[*Metric]
}

// NewMetrics starts a writer flushing every batch points or every flush
// interval.
func NewMetrics(db *sql.DB, batch int, flush time.Duration, logger *slog.Logger) *Metrics {
	return &Metrics{db: db, b: newBatcher(db, "expand_metrics", batch, flush, logger, insertMetrics)}
}

// Record queues p, stamping it now when it has no timestamp.
func (m *Metrics) Record(p *Metric) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	m.b.offer(p)
}

// Dropped is the number of points lost to a full queue.
func (m *Metrics) Dropped() int64 { return m.b.dropped.Load() }

// Sample records the gauges of st, labelled with the emission capability.
func (m *Metrics) Sample(st Status) {
	now := time.Now()
	labels := map[string]string{"capability": st.Capability}
	goroutines, heapMB := processHealth()
	gauges := []struct {
		name  string
		value float64
		unit  string
	}{
		{MetricItems, float64(st.Items), "count"},
		{MetricActiveMounts, float64(st.ActiveMounts), "count"},
		{MetricActiveUnits, float64(st.ActiveUnits), "count"},
		{MetricDegraded, float64(st.Degraded), "count"},
		{MetricGoroutines, float64(goroutines), "count"},
		{MetricHeapMB, heapMB, "megabytes"},
	}
	for _, g := range gauges {
		m.Record(&Metric{Name: g.name, Timestamp: now, Value: g.value, Labels: labels, Unit: g.unit})
	}
}

// Close writes the queued points and stops the writer.
func (m *Metrics) Close() error {
	m.b.close()
	return nil
}

func insertMetrics(ctx context.Context, tx *sql.Tx, points []*Metric) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO expand_metrics (name, at, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, p := range points {
		var labels sql.NullString
		if len(p.Labels) > 0 {
			b, err := json.Marshal(p.Labels)
			if err != nil {
				return err
			}
			labels = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, p.Name, p.Timestamp.UnixMilli(), p.Value, labels, p.Unit); err != nil {
			return err
		}
	}
	return nil
}

// Series returns the points of name recorded at or after since, newest
// first, at most limit of them (100 when 0).
func Series(ctx context.Context, db *sql.DB, name string, since time.Time, limit int) ([]Metric, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT name, at, value, labels, unit FROM expand_metrics
		WHERE name = ? AND at >= ?
		ORDER BY at DESC LIMIT ?`, name, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("observability: series %s: %w", name, err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var (
			p      Metric
			at     int64
			labels sql.NullString
		)
		if err := rows.Scan(&p.Name, &at, &p.Value, &labels, &p.Unit); err != nil {
			return nil, fmt.Errorf("observability: series %s: %w", name, err)
		}
		p.Timestamp = time.UnixMilli(at)
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &p.Labels)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
