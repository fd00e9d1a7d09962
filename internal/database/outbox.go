package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount is the number of failed publishes before an event is dead-lettered.
	MaxRetryCount = 5
	// MaxRetryBackoff caps the doubling delay between publish attempts.
	MaxRetryBackoff = 5 * time.Minute

	DefaultStream = "stream:catalog_changes"
)

// OutboxEvent is a catalog change waiting to be relayed to a stream.
type OutboxEvent struct {
	ID            uuid.UUID       `db:"id"`
	AggregateType string          `db:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id"`
	EventType     string          `db:"event_type"`
	Payload       json.RawMessage `db:"payload"`
	TargetStream  string          `db:"target_stream"`
	Status        string          `db:"status"`
	RetryCount    int             `db:"retry_count"`
	ErrorMessage  *string         `db:"error_message"`
	CreatedAt     time.Time       `db:"created_at"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	NextRetryAt   *time.Time      `db:"next_retry_at"`
}

func (e *OutboxEvent) validate() error {
	switch {
	case e.AggregateType == "":
		return errors.New("outbox event: aggregate type is required")
	case e.EventType == "":
		return errors.New("outbox event: event type is required")
	case len(e.Payload) == 0:
		return errors.New("outbox event: payload is required")
	case !json.Valid(e.Payload):
		return errors.New("outbox event: payload is not valid json")
	}
	return nil
}

// Backlog is the outbox grouped by status.
type Backlog struct {
	Pending    int64 `json:"pending"`
	Failed     int64 `json:"failed"`
	Processed  int64 `json:"processed"`
	DeadLetter int64 `json:"dead_letter"`
}

const (
	BacklogWarnWaiting = 1000
	BacklogFailDead    = 100
)

// Waiting counts events the relay still has to publish.
func (b Backlog) Waiting() int64 {
	return b.Pending + b.Failed
}

// Health grades the backlog as "ok", "warning" (too many waiting) or
// "error" (too many dead letters). Dead letters win.
func (b Backlog) Health() (status, message string) {
	switch {
	case b.DeadLetter > BacklogFailDead:
		return "error", "high number of dead letter events"
	case b.Waiting() > BacklogWarnWaiting:
		return "warning", "high number of pending outbox events"
	default:
		return "ok", ""
	}
}

type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// InsertWithTx writes the event inside the caller's transaction so it
// commits or rolls back with the report it belongs to.
func (r *OutboxRepository) InsertWithTx(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if err := event.validate(); err != nil {
		return err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.TargetStream == "" {
		event.TargetStream = DefaultStream
	}
	event.Status = OutboxStatusPending

	err := tx.QueryRow(ctx, `
		INSERT INTO outbox_event (id, aggregate_type, aggregate_id, event_type, payload, target_stream, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, next_retry_at`,
		event.ID, event.AggregateType, event.AggregateID, event.EventType,
		event.Payload, event.TargetStream, event.Status,
	).Scan(&event.CreatedAt, &event.NextRetryAt)
	if err != nil {
		return fmt.Errorf("insert outbox event %s for %s: %w", event.EventType, event.AggregateID, err)
	}
	return nil
}

// Due returns pending and retryable events whose retry time has come,
// oldest first.
func (r *OutboxRepository) Due(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, target_stream,
		       status, retry_count, error_message, created_at, processed_at, next_retry_at
		FROM outbox_event
		WHERE status = ANY($1) AND next_retry_at <= now()
		ORDER BY created_at
		LIMIT $2`,
		[]string{OutboxStatusPending, OutboxStatusFailed}, limit)
	if err != nil {
		return nil, fmt.Errorf("query due events: %w", err)
	}

	events, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[OutboxEvent])
	if err != nil {
		return nil, fmt.Errorf("collect due events: %w", err)
	}
	return events, nil
}

func (r *OutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE outbox_event SET status = $2, processed_at = now(), error_message = NULL
		WHERE id = $1`,
		id, OutboxStatusProcessed)
	if err != nil {
		return fmt.Errorf("mark event %s processed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}
	return nil
}

// MarkFailed records a failed publish in one statement: the retry count
// goes up, the next attempt is pushed back by 2^retries seconds (capped at
// MaxRetryBackoff) and the event is dead-lettered at MaxRetryCount. It
// reports whether the event is now dead.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, publishErr error) (bool, error) {
	var status string
	err := r.db.pool.QueryRow(ctx, `
		UPDATE outbox_event
		SET retry_count   = retry_count + 1,
		    status        = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE $4 END,
		    error_message = $5,
		    next_retry_at = now() + LEAST(power(2, retry_count + 1), $6) * interval '1 second'
		WHERE id = $1
		RETURNING status`,
		id, MaxRetryCount, OutboxStatusDeadLetter, OutboxStatusFailed,
		publishErr.Error(), MaxRetryBackoff.Seconds(),
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("event not found: %s", id)
	}
	if err != nil {
		return false, fmt.Errorf("mark event %s failed: %w", id, err)
	}
	return status == OutboxStatusDeadLetter, nil
}

// Backlog counts events per status in one query.
func (r *OutboxRepository) Backlog(ctx context.Context) (Backlog, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT status, COUNT(*) FROM outbox_event GROUP BY status`)
	if err != nil {
		return Backlog{}, fmt.Errorf("count outbox events: %w", err)
	}
	defer rows.Close()

	var b Backlog
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return Backlog{}, fmt.Errorf("scan outbox count: %w", err)
		}
		switch status {
		case OutboxStatusPending:
			b.Pending = count
		case OutboxStatusFailed:
			b.Failed = count
		case OutboxStatusProcessed:
			b.Processed = count
		case OutboxStatusDeadLetter:
			b.DeadLetter = count
		}
	}
	return b, rows.Err()
}
