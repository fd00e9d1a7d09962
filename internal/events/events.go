// Package events turns a monitoring report into durable change events.
// The report, the observed products and the outbox rows are written in one
// transaction; the database relay publishes the rows afterwards.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/catalog-monitor/internal/database"
	"github.com/maltedev/catalog-monitor/internal/models"
)

const (
	AggregateProduct = "catalog_product"

	TypeNewProduct     = "NEW_PRODUCT_DETECTED"
	TypeWatchlistMatch = "WATCHLIST_MATCHED"
)

// Payload is the body of every catalog event.
type Payload struct {
	IdentityKey string               `json:"identity_key"`
	Product     models.ProductRecord `json:"product"`
	ReportID    string               `json:"report_id"`
	ScanTime    time.Time            `json:"scan_time"`
	Reason      string               `json:"watch_reason,omitempty"`
	Rule        *models.WatchRule    `json:"rule,omitempty"`
}

// Keyer maps a product to its identity key.
type Keyer func(models.ProductRecord) string

// Store is the transactional surface the publisher writes through.
type Store interface {
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

type reportWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, report *models.MonitoringReport) error
	UpsertProductsWithTx(ctx context.Context, tx pgx.Tx, products []database.ObservedProduct, seenAt time.Time) error
}

type outboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

type Publisher struct {
	store   Store
	reports reportWriter
	outbox  outboxWriter
	key     Keyer
	stream  string
	logger  *slog.Logger
}

func NewPublisher(db *database.DB, key Keyer, stream string, logger *slog.Logger) *Publisher {
	return &Publisher{
		store:   db,
		reports: database.NewReportRepository(db),
		outbox:  database.NewOutboxRepository(db),
		key:     key,
		stream:  stream,
		logger:  logger.With("component", "event_publisher"),
	}
}

// SaveReport stores the report and queues one event per new product and
// per watchlist match.
func (p *Publisher) SaveReport(ctx context.Context, report *models.MonitoringReport) error {
	observed := make([]database.ObservedProduct, 0, len(report.AllProducts))
	for _, product := range report.AllProducts {
		observed = append(observed, database.ObservedProduct{Key: p.key(product), Product: product})
	}

	events, err := p.Build(report)
	if err != nil {
		return err
	}

	err = p.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := p.reports.InsertWithTx(ctx, tx, report); err != nil {
			return err
		}
		if err := p.reports.UpsertProductsWithTx(ctx, tx, observed, report.ScanTime); err != nil {
			return err
		}
		for _, event := range events {
			if err := p.outbox.InsertWithTx(ctx, tx, event); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store report %s: %w", report.ID, err)
	}

	p.logger.Info("report stored", "report_id", report.ID, "events", len(events))
	return nil
}

// Build returns the outbox events for a report without storing them.
func (p *Publisher) Build(report *models.MonitoringReport) ([]*database.OutboxEvent, error) {
	events := make([]*database.OutboxEvent, 0, len(report.NewProductsDetails)+len(report.MatchedProductsDetails))

	for _, product := range report.NewProductsDetails {
		event, err := p.event(TypeNewProduct, Payload{
			IdentityKey: p.key(product),
			Product:     product,
			ReportID:    report.ID,
			ScanTime:    report.ScanTime,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	for _, match := range report.MatchedProductsDetails {
		rule := match.Rule
		event, err := p.event(TypeWatchlistMatch, Payload{
			IdentityKey: p.key(match.Product),
			Product:     match.Product,
			ReportID:    report.ID,
			ScanTime:    report.ScanTime,
			Reason:      match.Reason,
			Rule:        &rule,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, nil
}

func (p *Publisher) event(eventType string, payload Payload) (*database.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &database.OutboxEvent{
		AggregateType: AggregateProduct,
		AggregateID:   payload.IdentityKey,
		EventType:     eventType,
		Payload:       body,
		TargetStream:  p.stream,
	}, nil
}
