package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/maltedev/catalog-monitor/internal/models"
)

const (
	reportPrefix     = "monitoring_report_"
	reportTimeLayout = "20060102_150405"
)

// ErrNoReports is returned by Latest when the result directory is empty.
var ErrNoReports = errors.New("no monitoring reports")

// ReportStore writes one JSON file per scan cycle with changes.
type ReportStore struct {
	mu  sync.Mutex
	dir string
}

func NewReportStore(dir string) *ReportStore {
	return &ReportStore{dir: dir}
}

func (rs *ReportStore) Dir() string {
	return rs.dir
}

// Write stores the report and returns the file it was written to. Reports
// with the same second get a numeric suffix instead of overwriting.
func (rs *ReportStore) Write(report *models.MonitoringReport) (string, error) {
	if report == nil {
		return "", fmt.Errorf("report is nil")
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	base := reportPrefix + report.ScanTime.Format(reportTimeLayout)
	path := filepath.Join(rs.dir, base+".json")
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(rs.dir, fmt.Sprintf("%s_%d.json", base, i))
	}

	if err := writeJSONAtomic(path, report); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// SaveReport lets the file store act as a report sink next to the database.
func (rs *ReportStore) SaveReport(_ context.Context, report *models.MonitoringReport) error {
	_, err := rs.Write(report)
	return err
}

// List returns report file paths, oldest first.
func (rs *ReportStore) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(rs.dir, reportPrefix+"*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (rs *ReportStore) Latest() (*models.MonitoringReport, error) {
	paths, err := rs.List()
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, ErrNoReports
	}
	return ReadReport(paths[len(paths)-1])
}

func ReadReport(path string) (*models.MonitoringReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var report models.MonitoringReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", filepath.Base(path), err)
	}
	return &report, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

