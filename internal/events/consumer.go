package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/catalog-monitor/internal/database"
)

// StreamReader is the part of the Redis client a consumer group needs.
type StreamReader interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

// Message is one catalog event as the relay published it.
type Message struct {
	StreamID    string    `json:"-"`
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	AggregateID string    `json:"aggregate_id"`
	IdentityKey string    `json:"identity_key"`
	ReportID    string    `json:"report_id"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Attempt     int       `json:"attempt"`
	Payload     Payload   `json:"payload"`
}

type Handler func(ctx context.Context, msg Message) error

type ConsumerConfig struct {
	Stream string
	Group  string
	Name   string
	// Types limits delivery to these event types; empty means all.
	Types []string
	Block time.Duration
}

// Consumer reads catalog events through a Redis consumer group and acks
// each message after the handler accepts it.
type Consumer struct {
	redis  StreamReader
	cfg    ConsumerConfig
	logger *slog.Logger
}

func NewConsumer(rdb StreamReader, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.Group == "" {
		cfg.Group = "catalog-consumer-group"
	}
	if cfg.Name == "" {
		cfg.Name = "consumer-1"
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	return &Consumer{
		redis:  rdb,
		cfg:    cfg,
		logger: logger.With("component", "event_consumer", "stream", cfg.Stream),
	}
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	err := c.redis.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	c.logger.Info("starting consumer", "group", c.cfg.Group)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.poll(ctx, handle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

func (c *Consumer) poll(ctx context.Context, handle Handler) error {
	streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Name,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    10,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, stream := range streams {
		for _, raw := range stream.Messages {
			if err := c.process(ctx, raw, handle); err != nil {
				c.logger.Error("failed to process message", "id", raw.ID, "error", err)
				continue
			}
			if err := c.redis.XAck(ctx, c.cfg.Stream, c.cfg.Group, raw.ID).Err(); err != nil {
				c.logger.Error("failed to acknowledge message", "id", raw.ID, "error", err)
			}
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, raw redis.XMessage, handle Handler) error {
	if !c.wants(raw.Values[database.FieldEventType]) {
		return nil
	}
	msg, err := DecodeMessage(raw)
	if err != nil {
		return err
	}
	return handle(ctx, msg)
}

func (c *Consumer) wants(eventType any) bool {
	if len(c.cfg.Types) == 0 {
		return true
	}
	t, _ := eventType.(string)
	for _, want := range c.cfg.Types {
		if t == want {
			return true
		}
	}
	return false
}

// DecodeMessage unpacks a relay entry. The identity key and report id
// come from the entry's own fields; the data envelope fills the rest.
func DecodeMessage(raw redis.XMessage) (Message, error) {
	data, ok := raw.Values[database.FieldData].(string)
	if !ok {
		return Message{}, fmt.Errorf("message %s has no data field", raw.ID)
	}
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", raw.ID, err)
	}
	msg.StreamID = raw.ID
	if key, _ := raw.Values[database.FieldIdentityKey].(string); key != "" {
		msg.IdentityKey = key
	}
	if id, _ := raw.Values[database.FieldReportID].(string); id != "" {
		msg.ReportID = id
	}
	if msg.IdentityKey == "" {
		msg.IdentityKey = msg.Payload.IdentityKey
	}
	if msg.ReportID == "" {
		msg.ReportID = msg.Payload.ReportID
	}
	return msg, nil
}
