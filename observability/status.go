// Package observability exposes the live state of an expansion process:
// the monotonic item count, live container mounts, the platform probe
// summary and the resolved emission capability.
//
// The state is served as JSON over HTTP and sampled into a SQLite status
// database: worker heartbeats, metric series and a per-unit audit.
// Persistence never blocks expansion; write failures are logged and the
// sample is lost.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Status is one snapshot of the process.
type Status struct {
	Items        int64     `json:"items"`
	ActiveMounts int64     `json:"active_mounts"`
	Mounts       int64     `json:"mounts"`
	Unmounts     int64     `json:"unmounts"`
	ActiveUnits  int64     `json:"active_units"`
	Roots        int64     `json:"roots"`
	Degraded     int64     `json:"degraded"`
	Probe        string    `json:"probe"`
	Capability   string    `json:"capability"`
	StartedAt    time.Time `json:"started_at"`
	Uptime       string    `json:"uptime"`
}

// Source produces status snapshots.
type Source interface {
	Status() Status
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Status

// Status implements Source.
func (f SourceFunc) Status() Status { return f() }

// HandlerConfig configures the status routes.
type HandlerConfig struct {
	Source Source
	// DB is the status database. Without it only /status is served and
	// /healthz always passes.
	DB *sql.DB
	// Worker is the heartbeat row /healthz checks.
	Worker string
	// Stale is how long a worker may stay silent and still be alive.
	// Default 1m.
	Stale  time.Duration
	Logger *slog.Logger
}

// Routes mounts on r:
//
//	GET /status          live snapshot of Source
//	GET /healthz         200 while Worker beats, 503 once it is stale
//	GET /workers         every worker sharing the status database
//	GET /units           audit rows; ?root= ?status= ?limit=
//	GET /series/{name}   metric points; ?since=<duration> ?limit=
func Routes(r chi.Router, cfg HandlerConfig) {
	if cfg.Stale <= 0 {
		cfg.Stale = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := statusHandlers{cfg}
	r.Get("/status", h.status)
	r.Get("/healthz", h.healthz)
	if cfg.DB != nil {
		r.Get("/workers", h.workers)
		r.Get("/units", h.units)
		r.Get("/series/{name}", h.series)
	}
}

// Handler returns a chi router serving Routes.
func Handler(cfg HandlerConfig) http.Handler {
	r := chi.NewRouter()
	Routes(r, cfg)
	return r
}

type statusHandlers struct {
	cfg HandlerConfig
}

func (h statusHandlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Source.Status())
}

func (h statusHandlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.cfg.DB == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	ws, err := Worker(ctx, h.cfg.DB, h.cfg.Worker, h.cfg.Stale)
	switch {
	case err != nil:
		h.fail(w, "healthz", err)
	case ws == nil || !ws.Alive:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "stale", "worker": ws})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "worker": ws})
	}
}

func (h statusHandlers) workers(w http.ResponseWriter, r *http.Request) {
	ws, err := Workers(r.Context(), h.cfg.DB, h.cfg.Stale)
	if err != nil {
		h.fail(w, "workers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": ws})
}

func (h statusHandlers) units(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := Units(r.Context(), h.cfg.DB, AuditFilter{
		Root:   q.Get("root"),
		Status: q.Get("status"),
		Limit:  atoiOr(q.Get("limit"), 0),
	})
	if err != nil {
		h.fail(w, "units", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": entries})
}

func (h statusHandlers) series(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window := time.Hour
	if s := q.Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be a positive duration such as 15m"})
			return
		}
		window = d
	}
	name := chi.URLParam(r, "name")
	points, err := Series(r.Context(), h.cfg.DB, name, time.Now().Add(-window), atoiOr(q.Get("limit"), 0))
	if err != nil {
		h.fail(w, "series", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "points": points})
}

func (h statusHandlers) fail(w http.ResponseWriter, route string, err error) {
	h.cfg.Logger.Warn("status route failed", "route", route, "error", err)
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
}

func atoiOr(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
