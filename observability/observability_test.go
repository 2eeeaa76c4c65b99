package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hazyhaar/ediscovery/dbopen"
)

func statusDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(context.Background(), db); err != nil {
		t.Fatal(err)
	}
	return db
}

func constant(st Status) Source {
	return SourceFunc(func() Status { return st })
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestInit_Versioned(t *testing.T) {
	ctx := context.Background()
	db := statusDB(t)

	var v int
	if err := db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		t.Fatal(err)
	}
	if v != SchemaVersion {
		t.Fatalf("user_version = %d, want %d", v, SchemaVersion)
	}
	if err := Init(ctx, db); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	for _, table := range []string{"expand_workers", "expand_metrics", "unit_audit"} {
		var n int
		db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		if n != 1 {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestInit_RefusesNewerDatabase(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatal(err)
	}
	if err := Init(context.Background(), db); err == nil {
		t.Fatal("expected an error for a newer schema")
	}
}

func TestHeartbeat_Beat(t *testing.T) {
	ctx := context.Background()
	db := statusDB(t)
	hb := NewHeartbeat(db, "expand-1", time.Hour, constant(Status{Items: 42, ActiveMounts: 3, ActiveUnits: 2, Degraded: 1}), nil)
	if err := hb.Beat(ctx); err != nil {
		t.Fatal(err)
	}

	w, err := Worker(ctx, db, "expand-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if w == nil || !w.Alive || w.State != WorkerRunning {
		t.Fatalf("worker = %+v", w)
	}
	if w.Items != 42 || w.ActiveMounts != 3 || w.ActiveUnits != 2 || w.Degraded != 1 {
		t.Fatalf("counters = %+v", w)
	}
	if w.PID == 0 || w.Goroutines == 0 {
		t.Errorf("process fields not filled: %+v", w)
	}

	// A second beat updates the same row.
	if err := hb.Beat(ctx); err != nil {
		t.Fatal(err)
	}
	var n int
	db.QueryRow("SELECT COUNT(*) FROM expand_workers").Scan(&n)
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestWorker_Unknown(t *testing.T) {
	w, err := Worker(context.Background(), statusDB(t), "ghost", time.Minute)
	if err != nil || w != nil {
		t.Fatalf("worker = %+v, err = %v", w, err)
	}
}

func TestWorker_Stale(t *testing.T) {
	ctx := context.Background()
	db := statusDB(t)
	if err := NewHeartbeat(db, "w", time.Hour, constant(Status{}), nil).Beat(ctx); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-10 * time.Minute).UnixMilli()
	if _, err := db.Exec("UPDATE expand_workers SET beat_at = ?", old); err != nil {
		t.Fatal(err)
	}
	w, err := Worker(ctx, db, "w", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if w.Alive {
		t.Fatalf("silent worker reported alive: %+v", w)
	}
}

func TestHeartbeat_StopMarksStopped(t *testing.T) {
	ctx := context.Background()
	db := statusDB(t)
	hb := NewHeartbeat(db, "w", time.Hour, constant(Status{Items: 1}), nil)
	hb.Start(ctx)
	hb.Stop()
	hb.Stop()

	w, err := Worker(ctx, db, "w", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if w == nil || w.State != WorkerStopped || w.Alive {
		t.Fatalf("worker = %+v", w)
	}
}

func TestWorkers_NewestFirst(t *testing.T) {
	ctx := context.Background()
	db := statusDB(t)
	for _, name := range []string{"a", "b"} {
		if err := NewHeartbeat(db, name, time.Hour, constant(Status{}), nil).Beat(ctx); err != nil {
			t.Fatal(err)
		}
	}
	db.Exec("UPDATE expand_workers SET beat_at = beat_at - 1000 WHERE worker = 'a'")

	ws, err := Workers(ctx, db, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(ws) != 2 || ws[0].Worker != "b" || ws[1].Worker != "a" {
		t.Fatalf("workers = %+v", ws)
	}
}

func TestMetrics_SampleAndSeries(t *testing.T) {
	ctx := context.Background()
	db := statusDB(t)
	m := NewMetrics(db, 100, time.Hour, nil)
	m.Sample(Status{Items: 7, ActiveMounts: 1, Capability: "serialized"})
	m.Record(&Metric{Name: MetricUnitDurationMs, Value: 120, Unit: "milliseconds"})
	m.Close()
	m.Close()

	items, err := Series(ctx, db, MetricItems, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Value != 7 || items[0].Unit != "count" {
		t.Fatalf("items = %+v", items)
	}
	if items[0].Labels["capability"] != "serialized" {
		t.Errorf("labels = %v", items[0].Labels)
	}

	dur, err := Series(ctx, db, MetricUnitDurationMs, time.Time{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(dur) != 1 || dur[0].Labels != nil {
		t.Fatalf("durations = %+v", dur)
	}

	var n int
	db.QueryRow("SELECT COUNT(*) FROM expand_metrics").Scan(&n)
	if n != 7 {
		t.Fatalf("points = %d, want 7", n)
	}
	if m.Dropped() != 0 {
		t.Errorf("dropped = %d", m.Dropped())
	}
}

func TestMetrics_FlushWhenBatchFills(t *testing.T) {
	db := statusDB(t)
	m := NewMetrics(db, 2, time.Hour, nil)
	defer m.Close()
	m.Record(&Metric{Name: "a", Value: 1})
	m.Record(&Metric{Name: "b", Value: 2})

	deadline := time.Now().Add(5 * time.Second)
	for {
		var n int
		db.QueryRow("SELECT COUNT(*) FROM expand_metrics").Scan(&n)
		if n == 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("flushed = %d, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAudit_LogAndQuery(t *testing.T) {
	ctx := context.Background()
	db := statusDB(t)
	a := NewAuditLogger(db, 10, nil)

	if err := a.Log(ctx, &UnitEntry{UnitID: "u1", Root: "/in/a.zip", Leaves: 3, DurationMs: 12}); err != nil {
		t.Fatal(err)
	}
	a.LogAsync(&UnitEntry{UnitID: "u2", Root: "/in/b.zip", Status: UnitAborted, Degraded: 1, ErrorMessage: "open: corrupt"})
	a.Close()

	all, err := a.Query(ctx, AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("entries = %d", len(all))
	}
	aborted, err := Units(ctx, db, AuditFilter{Status: UnitAborted})
	if err != nil {
		t.Fatal(err)
	}
	if len(aborted) != 1 || aborted[0].Root != "/in/b.zip" || aborted[0].ErrorMessage != "open: corrupt" {
		t.Fatalf("aborted = %+v", aborted)
	}
	byRoot, err := Units(ctx, db, AuditFilter{Root: "/in/a.zip"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byRoot) != 1 || byRoot[0].Status != UnitDone || byRoot[0].Leaves != 3 {
		t.Fatalf("byRoot = %+v", byRoot)
	}
	future, _ := Units(ctx, db, AuditFilter{Since: time.Now().Add(time.Hour)})
	if len(future) != 0 {
		t.Fatalf("since filter ignored: %+v", future)
	}
}

func TestAudit_CompletesEntry(t *testing.T) {
	db := statusDB(t)
	a := NewAuditLogger(db, 1, nil)
	defer a.Close()
	e := &UnitEntry{UnitID: "u", Root: "r", ErrorMessage: "boom"}
	if err := a.Log(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if e.Status != UnitFailed || e.EntryID == "" || e.Timestamp.IsZero() {
		t.Fatalf("entry = %+v", e)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	db := statusDB(t)
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	now := time.Now().UnixMilli()
	for i, at := range []int64{old, now} {
		if _, err := db.Exec("INSERT INTO expand_metrics (name, at, value) VALUES ('x', ?, 1)", at); err != nil {
			t.Fatal(err)
		}
		_, err := db.Exec("INSERT INTO unit_audit (entry_id, at, unit_id, root, status) VALUES (?, ?, 'u', 'r', 'done')", i, at)
		if err != nil {
			t.Fatal(err)
		}
	}
	for _, w := range []struct {
		name, state string
	}{{"gone", WorkerStopped}, {"hung", WorkerRunning}} {
		_, err := db.Exec(`INSERT INTO expand_workers (worker, host, pid, state, started_at, beat_at)
			VALUES (?, 'h', 1, ?, ?, ?)`, w.name, w.state, old, old)
		if err != nil {
			t.Fatal(err)
		}
	}

	n, err := Prune(ctx, db, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("pruned = %d, want 3", n)
	}
	ws, _ := Workers(ctx, db, time.Minute)
	if len(ws) != 1 || ws[0].Worker != "hung" {
		t.Fatalf("workers = %+v", ws)
	}
}

func TestRoutes_Status(t *testing.T) {
	h := Handler(HandlerConfig{Source: constant(Status{Items: 5, ActiveMounts: 2, Probe: "os=linux", Capability: "concurrent"})})
	rec := get(t, h, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var st Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Items != 5 || st.ActiveMounts != 2 || st.Capability != "concurrent" || st.Probe != "os=linux" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRoutes_Healthz(t *testing.T) {
	db := statusDB(t)
	h := Handler(HandlerConfig{Source: constant(Status{}), DB: db, Worker: "w"})

	if rec := get(t, h, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before any beat: code = %d", rec.Code)
	}
	if err := NewHeartbeat(db, "w", time.Hour, constant(Status{}), nil).Beat(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("after a beat: code = %d body=%s", rec.Code, rec.Body)
	}
}

func TestRoutes_WithoutDB(t *testing.T) {
	h := Handler(HandlerConfig{Source: constant(Status{})})
	if rec := get(t, h, "/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d", rec.Code)
	}
	if rec := get(t, h, "/workers"); rec.Code != http.StatusNotFound {
		t.Fatalf("workers code = %d", rec.Code)
	}
}

func TestRoutes_UnitsAndSeries(t *testing.T) {
	ctx := context.Background()
	db := statusDB(t)
	a := NewAuditLogger(db, 10, nil)
	a.Log(ctx, &UnitEntry{UnitID: "u1", Root: "/in/a.zip"})
	a.Log(ctx, &UnitEntry{UnitID: "u2", Root: "/in/b.zip", ErrorMessage: "x"})
	a.Close()
	m := NewMetrics(db, 10, time.Hour, nil)
	m.Record(&Metric{Name: MetricItems, Value: 3})
	m.Close()

	h := Handler(HandlerConfig{Source: constant(Status{}), DB: db})

	rec := get(t, h, "/units?status=failed")
	var units struct {
		Units []UnitEntry `json:"units"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&units); err != nil {
		t.Fatal(err)
	}
	if len(units.Units) != 1 || units.Units[0].UnitID != "u2" {
		t.Fatalf("units = %+v", units.Units)
	}

	rec = get(t, h, "/series/"+MetricItems+"?since=1h")
	var series struct {
		Name   string   `json:"name"`
		Points []Metric `json:"points"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&series); err != nil {
		t.Fatal(err)
	}
	if series.Name != MetricItems || len(series.Points) != 1 || series.Points[0].Value != 3 {
		t.Fatalf("series = %+v", series)
	}

	if rec := get(t, h, "/series/x?since=soon"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: code = %d", rec.Code)
	}
}
