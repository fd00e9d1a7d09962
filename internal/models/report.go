package models

import (
	"time"

	"github.com/google/uuid"
)

// MonitoringReport is the audit record of one scan cycle that found changes.
// Build it with NewMonitoringReport; it is never modified afterwards.
type MonitoringReport struct {
	ID                     string          `json:"id"`
	ScanTime               time.Time       `json:"scan_time"`
	TotalProducts          int             `json:"total_products"`
	NewProducts            int             `json:"new_products"`
	MatchedProducts        int             `json:"matched_products"`
	AllProducts            []ProductRecord `json:"all_products"`
	NewProductsDetails     []ProductRecord `json:"new_products_details"`
	MatchedProductsDetails []WatchMatch    `json:"matched_products_details"`
}

func NewMonitoringReport(scanTime time.Time, all, added []ProductRecord, matched []WatchMatch) *MonitoringReport {
	return &MonitoringReport{
		ID:                     uuid.New().String(),
		ScanTime:               scanTime,
		TotalProducts:          len(all),
		NewProducts:            len(added),
		MatchedProducts:        len(matched),
		AllProducts:            append(make([]ProductRecord, 0, len(all)), all...),
		NewProductsDetails:     append(make([]ProductRecord, 0, len(added)), added...),
		MatchedProductsDetails: append(make([]WatchMatch, 0, len(matched)), matched...),
	}
}

// HasChanges reports whether the cycle produced anything worth persisting.
func (r *MonitoringReport) HasChanges() bool {
	return r.NewProducts > 0 || r.MatchedProducts > 0
}

// PurchaseResult records one auto-purchase attempt. Success only means the
// checkout page was reached.
type PurchaseResult struct {
	ID          string        `json:"id"`
	Success     bool          `json:"success"`
	Product     ProductRecord `json:"product"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Step        string        `json:"step,omitempty"`
	Error       string        `json:"error,omitempty"`
	Screenshots []string      `json:"screenshots"`
}

func NewPurchaseResult(product ProductRecord, start time.Time) *PurchaseResult {
	return &PurchaseResult{
		ID:          uuid.New().String(),
		Product:     product,
		StartTime:   start,
		Screenshots: make([]string, 0),
	}
}
