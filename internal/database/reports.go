package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// ObservedProduct is a product together with its identity key.
type ObservedProduct struct {
	Key     string
	Product models.ProductRecord
}

// CatalogProduct is a row of catalog_products.
type CatalogProduct struct {
	IdentityKey string    `db:"identity_key"`
	Name        string    `db:"name"`
	Price       int64     `db:"price"`
	Currency    string    `db:"currency"`
	SKU         *string   `db:"sku"`
	ProductURL  *string   `db:"product_url"`
	FirstSeenAt time.Time `db:"first_seen_at"`
	LastSeenAt  time.Time `db:"last_seen_at"`
	SeenCount   int       `db:"seen_count"`
}

// ReportSummary is the header of a stored scan report.
type ReportSummary struct {
	ID              uuid.UUID `db:"id"`
	ScanTime        time.Time `db:"scan_time"`
	TotalProducts   int       `db:"total_products"`
	NewProducts     int       `db:"new_products"`
	MatchedProducts int       `db:"matched_products"`
}

type ReportRepository struct {
	db *DB
}

func NewReportRepository(db *DB) *ReportRepository {
	return &ReportRepository{db: db}
}

func (r *ReportRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, report *models.MonitoringReport) error {
	id, err := uuid.Parse(report.ID)
	if err != nil {
		return fmt.Errorf("report id %q: %w", report.ID, err)
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	query := `
		INSERT INTO scan_reports (
			id, scan_time, total_products, new_products, matched_products, report
		) VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = tx.Exec(ctx, query,
		id, report.ScanTime, report.TotalProducts, report.NewProducts, report.MatchedProducts, body)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

// UpsertProductsWithTx records every observed product, keeping first_seen_at
// from the first observation.
func (r *ReportRepository) UpsertProductsWithTx(ctx context.Context, tx pgx.Tx, products []ObservedProduct, seenAt time.Time) error {
	if len(products) == 0 {
		return nil
	}

	query := `
		INSERT INTO catalog_products (
			identity_key, name, price, currency, sku, product_url, image_url,
			first_seen_at, last_seen_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $8)
		ON CONFLICT (identity_key) DO UPDATE SET
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			sku = COALESCE(EXCLUDED.sku, catalog_products.sku),
			product_url = COALESCE(EXCLUDED.product_url, catalog_products.product_url),
			image_url = COALESCE(EXCLUDED.image_url, catalog_products.image_url),
			last_seen_at = EXCLUDED.last_seen_at,
			seen_count = catalog_products.seen_count + 1`

	batch := &pgx.Batch{}
	for _, obs := range products {
		p := obs.Product
		batch.Queue(query, obs.Key, p.Name, p.Price, p.Currency, p.SKU, p.ProductURL, p.ImageURL, seenAt)
	}

	results := tx.SendBatch(ctx, batch)
	for range products {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to upsert product: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to upsert products: %w", err)
	}
	return nil
}

// Recent returns the newest report summaries first.
func (r *ReportRepository) Recent(ctx context.Context, limit int) ([]ReportSummary, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, scan_time, total_products, new_products, matched_products
		FROM scan_reports
		ORDER BY scan_time DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	summaries, err := pgx.CollectRows(rows, pgx.RowToStructByName[ReportSummary])
	if err != nil {
		return nil, fmt.Errorf("failed to scan reports: %w", err)
	}
	return summaries, nil
}

func (r *ReportRepository) Product(ctx context.Context, key string) (*CatalogProduct, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT identity_key, name, price, currency, sku, product_url,
			first_seen_at, last_seen_at, seen_count
		FROM catalog_products
		WHERE identity_key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query product: %w", err)
	}
	product, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[CatalogProduct])
	if err != nil {
		return nil, fmt.Errorf("product %s: %w", key, err)
	}
	return product, nil
}
