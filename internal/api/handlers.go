package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/maltedev/catalog-monitor/internal/database"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/monitor"
	"github.com/maltedev/catalog-monitor/internal/storage"
)

// Monitor is the read-only view of the running loop.
type Monitor interface {
	Status() monitor.Status
	Snapshot() *storage.Snapshot
	Watchlist() []models.WatchRule
}

type ReportReader interface {
	Latest() (*models.MonitoringReport, error)
}

// OutboxStats reports outbox backlog; nil when Postgres is not configured.
type OutboxStats interface {
	Backlog(ctx context.Context) (database.Backlog, error)
}

type Handlers struct {
	monitor Monitor
	reports ReportReader
	outbox  OutboxStats
	logger  *slog.Logger
}

func NewHandlers(m Monitor, reports ReportReader, outbox OutboxStats, logger *slog.Logger) *Handlers {
	return &Handlers{
		monitor: m,
		reports: reports,
		outbox:  outbox,
		logger:  logger.With("component", "api"),
	}
}

type HealthResponse struct {
	Status  string            `json:"status"`
	State   string            `json:"state"`
	Message string            `json:"message,omitempty"`
	Outbox  *database.Backlog `json:"outbox,omitempty"`
}

// Health reports the loop state and, with Postgres configured, the outbox
// backlog. Too many dead letters make the service unhealthy.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", State: h.monitor.Status().State}
	code := http.StatusOK

	if h.outbox != nil {
		backlog, err := h.outbox.Backlog(r.Context())
		if err != nil {
			h.logger.Error("failed to read outbox backlog", "error", err)
			resp.Status = "error"
			resp.Message = "outbox unavailable"
			h.respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Outbox = &backlog
		resp.Status, resp.Message = backlog.Health()
		if resp.Status == "error" {
			code = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, code, resp)
}

func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.monitor.Status())
}

type SnapshotResponse struct {
	Count     int      `json:"count"`
	Products  []string `json:"products"`
	Timestamp string   `json:"timestamp,omitempty"`
}

func (h *Handlers) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := h.monitor.Snapshot()
	resp := SnapshotResponse{Count: len(snapshot.Products), Products: snapshot.Products}
	if !snapshot.Timestamp.IsZero() {
		resp.Timestamp = snapshot.Timestamp.Format("2006-01-02T15:04:05Z07:00")
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) GetLatestReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.reports.Latest()
	if errors.Is(err, storage.ErrNoReports) {
		h.respondError(w, http.StatusNotFound, "no reports yet")
		return
	}
	if err != nil {
		h.logger.Error("failed to read latest report", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to read report")
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}

func (h *Handlers) GetWatchlist(w http.ResponseWriter, r *http.Request) {
	rules := h.monitor.Watchlist()
	if rules == nil {
		rules = []models.WatchRule{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"products": rules})
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
