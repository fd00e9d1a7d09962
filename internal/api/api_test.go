package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-monitor/internal/database"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/monitor"
	"github.com/maltedev/catalog-monitor/internal/storage"
)

type fakeMonitor struct{}

func (fakeMonitor) Status() monitor.Status {
	return monitor.Status{State: "sleeping", Cycles: 4, KnownProducts: 2}
}

func (fakeMonitor) Snapshot() *storage.Snapshot {
	return storage.NewSnapshot([]string{"Kelly 28 bag_78000", "Birkin 25 bag_85000"},
		time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
}

func (fakeMonitor) Watchlist() []models.WatchRule {
	return []models.WatchRule{{NameContains: "Kelly", MinPrice: 70000, MaxPrice: 90000}}
}

type fakeOutbox struct {
	backlog database.Backlog
	err     error
}

func (o fakeOutbox) Backlog(ctx context.Context) (database.Backlog, error) {
	return o.backlog, o.err
}

type brokenReports struct{}

func (brokenReports) Latest() (*models.MonitoringReport, error) {
	return nil, errors.New("permission denied")
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter(t *testing.T) {
	reports := storage.NewReportStore(t.TempDir())
	router := NewRouter(NewHandlers(fakeMonitor{}, reports, nil, slog.Default()), nil)

	t.Run("health without outbox", func(t *testing.T) {
		rec := get(t, router, "/health")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "sleeping", resp.State)
		assert.Nil(t, resp.Outbox)
	})

	t.Run("status", func(t *testing.T) {
		rec := get(t, router, "/api/v1/status")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var status monitor.Status
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, 4, status.Cycles)
	})

	t.Run("snapshot", func(t *testing.T) {
		rec := get(t, router, "/api/v1/snapshot")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp SnapshotResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, []string{"Birkin 25 bag_85000", "Kelly 28 bag_78000"}, resp.Products)
		assert.Equal(t, "2026-10-17T12:00:00Z", resp.Timestamp)
	})

	t.Run("latest report before any scan", func(t *testing.T) {
		rec := get(t, router, "/api/v1/reports/latest")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("latest report", func(t *testing.T) {
		kelly := models.ProductRecord{Name: "Kelly 28 bag", Price: 78000, Currency: "HKD"}
		report := models.NewMonitoringReport(time.Now(), []models.ProductRecord{kelly}, []models.ProductRecord{kelly}, nil)
		_, err := reports.Write(report)
		require.NoError(t, err)

		rec := get(t, router, "/api/v1/reports/latest")
		require.Equal(t, http.StatusOK, rec.Code)

		var got models.MonitoringReport
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, report.ID, got.ID)
	})

	t.Run("watchlist", func(t *testing.T) {
		rec := get(t, router, "/api/v1/watchlist")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"products":[{"name_contains":"Kelly","min_price":70000,"max_price":90000}]}`, rec.Body.String())
	})

	t.Run("unknown route", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, get(t, router, "/api/v1/purchase").Code)
	})
}

func TestHealth_Outbox(t *testing.T) {
	tests := []struct {
		name       string
		outbox     fakeOutbox
		wantCode   int
		wantStatus string
	}{
		{"healthy", fakeOutbox{backlog: database.Backlog{Pending: 3}}, http.StatusOK, "ok"},
		{"backlog", fakeOutbox{backlog: database.Backlog{Pending: 4000, Failed: 1000}}, http.StatusOK, "warning"},
		{"dead letters", fakeOutbox{backlog: database.Backlog{DeadLetter: 500}}, http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(NewHandlers(fakeMonitor{}, brokenReports{}, tt.outbox, slog.Default()), nil)
			rec := get(t, router, "/health")
			assert.Equal(t, tt.wantCode, rec.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			require.NotNil(t, resp.Outbox)
			assert.Equal(t, tt.outbox.backlog, *resp.Outbox)
		})
	}

	t.Run("outbox unreachable", func(t *testing.T) {
		outbox := fakeOutbox{err: errors.New("connection refused")}
		router := NewRouter(NewHandlers(fakeMonitor{}, brokenReports{}, outbox, slog.Default()), nil)
		rec := get(t, router, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestLatestReport_ReadError(t *testing.T) {
	router := NewRouter(NewHandlers(fakeMonitor{}, brokenReports{}, nil, slog.Default()), nil)
	assert.Equal(t, http.StatusInternalServerError, get(t, router, "/api/v1/reports/latest").Code)
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, http.NotFoundHandler(), ServerConfig{Addr: "127.0.0.1:0"}, slog.Default())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
