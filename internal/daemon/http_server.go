package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"git.home.luguber.info/inful/edgeagent/internal/config"
	"git.home.luguber.info/inful/edgeagent/internal/logfields"
	"git.home.luguber.info/inful/edgeagent/internal/metrics"
)

const auditRecentLimit = 50

// HTTPServer serves the local observation endpoints: status, health,
// metrics, and the recent audit trail.
type HTTPServer struct {
	cfg    *config.Config
	daemon *Daemon
	server *http.Server
	addr   string
}

// NewHTTPServer creates the server; Start binds and serves.
func NewHTTPServer(cfg *config.Config, daemon *Daemon) *HTTPServer {
	return &HTTPServer{cfg: cfg, daemon: daemon}
}

// Start pre-binds the listener so startup fails fast on a taken port, then
// serves in the background.
func (s *HTTPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.HTTP.Addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.HTTPHandler(s.daemon.registry))
	mux.HandleFunc("GET /api/audit/recent", s.handleAuditRecent)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.addr = ln.Addr().String()
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", logfields.Error(err))
		}
	}()

	slog.Info("HTTP server listening", "addr", s.addr)
	return nil
}

// Addr is the bound listen address, available after Start. Useful when the
// configured address uses port 0.
func (s *HTTPServer) Addr() string {
	return s.addr
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleStatus reports the engine's snapshot. While a reconciliation chain
// is draining the snapshot is nil and the device is deliberately not ready
// to report; that maps to 503 with a short retry hint.
func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.daemon.Status()
	if snapshot == nil {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "reconciliation in progress",
		})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"device_id":      s.cfg.Device.ID,
		"uptime_seconds": time.Since(s.daemon.StartTime()).Seconds(),
	})
}

func (s *HTTPServer) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	log := s.daemon.AuditLog()
	if log == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit log disabled"})
		return
	}

	limit := auditRecentLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	entries, err := log.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("Failed to read audit log", logfields.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "audit query failed"})
		return
	}

	type entryJSON struct {
		ReconcileID string    `json:"reconcile_id"`
		StartedAt   time.Time `json:"started_at"`
		FinishedAt  time.Time `json:"finished_at"`
		DurationMS  int64     `json:"duration_ms"`
		Outcome     string    `json:"outcome"`
		Status      string    `json:"status"`
		Project     string    `json:"project,omitempty"`
		SnapshotID  string    `json:"snapshot_id,omitempty"`
		Deauthorize bool      `json:"deauthorize"`
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{
			ReconcileID: e.ReconcileID,
			StartedAt:   e.StartedAt,
			FinishedAt:  e.FinishedAt,
			DurationMS:  e.DurationMS,
			Outcome:     e.Outcome,
			Status:      e.Status,
			Project:     e.Project,
			SnapshotID:  e.SnapshotID,
			Deauthorize: e.Deauthorize,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", logfields.Error(err))
	}
}
