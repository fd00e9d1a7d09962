package database

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS scan_reports (
		id               UUID PRIMARY KEY,
		scan_time        TIMESTAMPTZ NOT NULL,
		total_products   INTEGER NOT NULL,
		new_products     INTEGER NOT NULL,
		matched_products INTEGER NOT NULL,
		report           JSONB NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_reports_scan_time ON scan_reports (scan_time DESC)`,
	`CREATE TABLE IF NOT EXISTS catalog_products (
		identity_key  TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		price         BIGINT NOT NULL,
		currency      TEXT NOT NULL,
		sku           TEXT,
		product_url   TEXT,
		image_url     TEXT,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at  TIMESTAMPTZ NOT NULL,
		seen_count    INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_event (
		id             UUID PRIMARY KEY,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		payload        JSONB NOT NULL,
		target_stream  TEXT NOT NULL,
		status         TEXT NOT NULL,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		error_message  TEXT,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at   TIMESTAMPTZ,
		next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_event_pending ON outbox_event (status, next_retry_at)`,
}

// Migrate creates the tables the monitor writes to. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
