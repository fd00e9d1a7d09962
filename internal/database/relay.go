package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the part of the Redis client the relay uses.
type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

type OutboxRepo interface {
	Due(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) (bool, error)
}

// Stream entry field names. Consumers can filter and route on these
// without decoding FieldData.
const (
	FieldData        = "data"
	FieldEventType   = "event_type"
	FieldIdentityKey = "identity_key"
	FieldReportID    = "report_id"
	FieldOutboxID    = "outbox_id"
)

// Envelope is the JSON stored in FieldData.
type Envelope struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	IdentityKey string          `json:"identity_key,omitempty"`
	ReportID    string          `json:"report_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Source      string          `json:"source"`
	Attempt     int             `json:"attempt"`
	Payload     json.RawMessage `json:"payload"`
}

// routing holds the catalog fields lifted from a payload into the entry.
type routing struct {
	IdentityKey string `json:"identity_key"`
	ReportID    string `json:"report_id"`
}

// NewEnvelope wraps an outbox event for the stream. Payloads without an
// identity key fall back to the aggregate id.
func NewEnvelope(event *OutboxEvent, source string) (Envelope, error) {
	var keys routing
	if err := json.Unmarshal(event.Payload, &keys); err != nil {
		return Envelope{}, fmt.Errorf("decode payload of %s: %w", event.ID, err)
	}
	if keys.IdentityKey == "" {
		keys.IdentityKey = event.AggregateID
	}
	return Envelope{
		ID:          event.ID.String(),
		Type:        event.EventType,
		AggregateID: event.AggregateID,
		IdentityKey: keys.IdentityKey,
		ReportID:    keys.ReportID,
		Timestamp:   event.CreatedAt.UTC(),
		Source:      source,
		Attempt:     event.RetryCount + 1,
		Payload:     event.Payload,
	}, nil
}

// Values renders the stream entry.
func (e Envelope) Values() (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.ID, err)
	}
	return map[string]any{
		FieldData:        string(data),
		FieldEventType:   e.Type,
		FieldIdentityKey: e.IdentityKey,
		FieldReportID:    e.ReportID,
		FieldOutboxID:    e.ID,
	}, nil
}

// FlushResult counts what one Flush did.
type FlushResult struct {
	Published    int
	Failed       int
	DeadLettered int
}

func (f *FlushResult) add(o FlushResult) {
	f.Published += o.Published
	f.Failed += o.Failed
	f.DeadLettered += o.DeadLettered
}

// Relay publishes catalog change events from the outbox to Redis streams.
type Relay struct {
	redis     RedisClient
	outbox    OutboxRepo
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	source    string
}

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Source       string
}

func NewRelay(db *DB, redisClient RedisClient, logger *slog.Logger, config RelayConfig) *Relay {
	return newRelay(NewOutboxRepository(db), redisClient, logger, config)
}

func newRelay(outbox OutboxRepo, redisClient RedisClient, logger *slog.Logger, config RelayConfig) *Relay {
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Source == "" {
		config.Source = "catalog-monitor"
	}

	return &Relay{
		redis:     redisClient,
		outbox:    outbox,
		logger:    logger.With("component", "relay"),
		interval:  config.PollInterval,
		batchSize: config.BatchSize,
		source:    config.Source,
	}
}

// Start flushes on every tick until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.logger.Info("starting relay", "interval", r.interval, "batch_size", r.batchSize)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("failed to flush outbox", "error", err)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Flush publishes due events batch by batch until a batch comes back short.
// A failed publish is recorded on the event and does not stop the flush.
func (r *Relay) Flush(ctx context.Context) (FlushResult, error) {
	var total FlushResult
	for {
		events, err := r.outbox.Due(ctx, r.batchSize)
		if err != nil {
			return total, fmt.Errorf("load due events: %w", err)
		}

		var batch FlushResult
		for _, event := range events {
			if ctx.Err() != nil {
				total.add(batch)
				return total, ctx.Err()
			}
			batch.add(r.relay(ctx, event))
		}
		total.add(batch)

		// Failed events are not due again until their backoff passes, so a
		// full batch of failures would loop here; stop instead.
		if len(events) < r.batchSize || batch.Published == 0 {
			break
		}
	}

	if total != (FlushResult{}) {
		r.logger.Info("outbox flushed",
			"published", total.Published,
			"failed", total.Failed,
			"dead_lettered", total.DeadLettered)
	}
	return total, nil
}

func (r *Relay) relay(ctx context.Context, event *OutboxEvent) FlushResult {
	log := r.logger.With("event_id", event.ID, "event_type", event.EventType, "aggregate_id", event.AggregateID)

	if err := r.publish(ctx, event); err != nil {
		dead, markErr := r.outbox.MarkFailed(ctx, event.ID, err)
		if markErr != nil {
			log.Error("failed to record publish failure", "publish_error", err, "error", markErr)
			return FlushResult{Failed: 1}
		}
		if dead {
			log.Error("event dead-lettered", "attempts", event.RetryCount+1, "error", err)
			return FlushResult{Failed: 1, DeadLettered: 1}
		}
		log.Warn("publish failed, will retry", "attempt", event.RetryCount+1, "error", err)
		return FlushResult{Failed: 1}
	}

	if err := r.outbox.MarkProcessed(ctx, event.ID); err != nil {
		// The entry is already on the stream; it will be published again.
		log.Error("failed to mark event processed", "error", err)
	}
	log.Debug("event published", "target_stream", event.TargetStream)
	return FlushResult{Published: 1}
}

func (r *Relay) publish(ctx context.Context, event *OutboxEvent) error {
	envelope, err := NewEnvelope(event, r.source)
	if err != nil {
		return err
	}
	values, err := envelope.Values()
	if err != nil {
		return err
	}

	stream := event.TargetStream
	if stream == "" {
		stream = DefaultStream
	}
	if err := r.redis.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}
