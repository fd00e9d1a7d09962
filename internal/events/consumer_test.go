package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-monitor/internal/database"
	"github.com/maltedev/catalog-monitor/internal/models"
)

type MockStreamReader struct {
	mock.Mock
}

func (m *MockStreamReader) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	args := m.Called(stream, group, start)
	return redis.NewStatusResult("OK", args.Error(0))
}

func (m *MockStreamReader) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	args := m.Called(a.Group)
	streams, _ := args.Get(0).([]redis.XStream)
	return redis.NewXStreamSliceCmdResult(streams, args.Error(1))
}

func (m *MockStreamReader) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	args := m.Called(stream, group, ids)
	return redis.NewIntResult(int64(len(ids)), args.Error(0))
}

func relayMessage(t *testing.T, streamID, eventType string, payload Payload) redis.XMessage {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	envelope, err := database.NewEnvelope(&database.OutboxEvent{
		ID:          uuid.New(),
		AggregateID: payload.IdentityKey,
		EventType:   eventType,
		Payload:     data,
		CreatedAt:   payload.ScanTime,
	}, "catalog-monitor")
	require.NoError(t, err)
	values, err := envelope.Values()
	require.NoError(t, err)
	return redis.XMessage{ID: streamID, Values: values}
}

func TestDecodeMessage(t *testing.T) {
	scanTime := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	payload := Payload{
		IdentityKey: "Kelly 28 bag_78000",
		Product:     models.ProductRecord{Name: "Kelly 28 bag", Price: 78000, Currency: "HKD"},
		ReportID:    "r1",
		ScanTime:    scanTime,
		Reason:      "Kelly in range HKD 70000-90000",
	}

	msg, err := DecodeMessage(relayMessage(t, "1-0", TypeWatchlistMatch, payload))
	require.NoError(t, err)
	assert.Equal(t, "1-0", msg.StreamID)
	assert.Equal(t, TypeWatchlistMatch, msg.Type)
	assert.Equal(t, "Kelly 28 bag_78000", msg.AggregateID)
	assert.Equal(t, "Kelly 28 bag_78000", msg.IdentityKey)
	assert.Equal(t, "r1", msg.ReportID)
	assert.Equal(t, "catalog-monitor", msg.Source)
	assert.Equal(t, 1, msg.Attempt)
	assert.True(t, scanTime.Equal(msg.Timestamp))
	assert.Equal(t, "Kelly 28 bag", msg.Payload.Product.Name)
	assert.Equal(t, "Kelly in range HKD 70000-90000", msg.Payload.Reason)

	t.Run("entry fields win over the data envelope", func(t *testing.T) {
		raw := relayMessage(t, "4-0", TypeWatchlistMatch, payload)
		raw.Values[database.FieldIdentityKey] = "Kelly 28 bag_79000"
		raw.Values[database.FieldReportID] = "r2"

		msg, err := DecodeMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, "Kelly 28 bag_79000", msg.IdentityKey)
		assert.Equal(t, "r2", msg.ReportID)
	})

	t.Run("entries without routing fields use the payload", func(t *testing.T) {
		raw := relayMessage(t, "5-0", TypeWatchlistMatch, payload)
		delete(raw.Values, database.FieldIdentityKey)
		delete(raw.Values, database.FieldReportID)

		msg, err := DecodeMessage(raw)
		require.NoError(t, err)
		assert.Equal(t, "Kelly 28 bag_78000", msg.IdentityKey)
		assert.Equal(t, "r1", msg.ReportID)
	})

	t.Run("malformed entries", func(t *testing.T) {
		_, err := DecodeMessage(redis.XMessage{ID: "2-0", Values: map[string]any{}})
		assert.Error(t, err)

		_, err = DecodeMessage(redis.XMessage{ID: "3-0", Values: map[string]any{"data": "{"}})
		assert.Error(t, err)
	})
}

func TestConsumer_PollAcksHandledMessages(t *testing.T) {
	ctx := context.Background()
	rdb := new(MockStreamReader)

	newProduct := relayMessage(t, "1-0", TypeNewProduct, Payload{IdentityKey: "a"})
	match := relayMessage(t, "2-0", TypeWatchlistMatch, Payload{IdentityKey: "b"})
	broken := redis.XMessage{ID: "3-0", Values: map[string]any{"event_type": TypeNewProduct}}

	rdb.On("XReadGroup", "g").Return([]redis.XStream{{
		Stream:   "s",
		Messages: []redis.XMessage{newProduct, match, broken},
	}}, nil).Once()
	rdb.On("XAck", "s", "g", []string{"1-0"}).Return(nil).Once()
	rdb.On("XAck", "s", "g", []string{"2-0"}).Return(nil).Once()

	c := NewConsumer(rdb, ConsumerConfig{Stream: "s", Group: "g"}, slog.Default())

	var seen []string
	err := c.poll(ctx, func(ctx context.Context, msg Message) error {
		seen = append(seen, msg.AggregateID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, seen)
	rdb.AssertExpectations(t)
}

func TestConsumer_HandlerErrorLeavesMessagePending(t *testing.T) {
	rdb := new(MockStreamReader)
	rdb.On("XReadGroup", "g").Return([]redis.XStream{{
		Stream:   "s",
		Messages: []redis.XMessage{relayMessage(t, "1-0", TypeNewProduct, Payload{IdentityKey: "a"})},
	}}, nil).Once()

	c := NewConsumer(rdb, ConsumerConfig{Stream: "s", Group: "g"}, slog.Default())
	err := c.poll(context.Background(), func(ctx context.Context, msg Message) error {
		return errors.New("downstream unavailable")
	})
	require.NoError(t, err)
	rdb.AssertNotCalled(t, "XAck", mock.Anything, mock.Anything, mock.Anything)
}

func TestConsumer_TypeFilter(t *testing.T) {
	rdb := new(MockStreamReader)
	rdb.On("XReadGroup", "g").Return([]redis.XStream{{
		Stream: "s",
		Messages: []redis.XMessage{
			relayMessage(t, "1-0", TypeNewProduct, Payload{IdentityKey: "a"}),
			relayMessage(t, "2-0", TypeWatchlistMatch, Payload{IdentityKey: "b"}),
		},
	}}, nil).Once()
	rdb.On("XAck", "s", "g", mock.Anything).Return(nil).Twice()

	c := NewConsumer(rdb, ConsumerConfig{Stream: "s", Group: "g", Types: []string{TypeWatchlistMatch}}, slog.Default())

	var seen []string
	err := c.poll(context.Background(), func(ctx context.Context, msg Message) error {
		seen = append(seen, msg.Type)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{TypeWatchlistMatch}, seen)
	rdb.AssertExpectations(t)
}

func TestConsumer_EmptyRead(t *testing.T) {
	rdb := new(MockStreamReader)
	rdb.On("XReadGroup", "g").Return(nil, redis.Nil).Once()

	c := NewConsumer(rdb, ConsumerConfig{Stream: "s", Group: "g"}, slog.Default())
	assert.NoError(t, c.poll(context.Background(), func(ctx context.Context, msg Message) error {
		t.Fatal("handler must not run")
		return nil
	}))
}

func TestConsumer_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rdb := new(MockStreamReader)
	rdb.On("XGroupCreateMkStream", "s", "g", "0").Return(errors.New("BUSYGROUP Consumer Group name already exists"))
	rdb.On("XReadGroup", "g").Run(func(mock.Arguments) { cancel() }).Return(nil, redis.Nil)

	c := NewConsumer(rdb, ConsumerConfig{Stream: "s", Group: "g"}, slog.Default())
	err := c.Run(ctx, func(ctx context.Context, msg Message) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
