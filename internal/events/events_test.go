package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-monitor/internal/database"
	"github.com/maltedev/catalog-monitor/internal/models"
)

type fakeStore struct {
	committed bool
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	if err := fn(nil); err != nil {
		return err
	}
	s.committed = true
	return nil
}

type MockReports struct {
	mock.Mock
}

func (m *MockReports) InsertWithTx(ctx context.Context, tx pgx.Tx, report *models.MonitoringReport) error {
	return m.Called(report).Error(0)
}

func (m *MockReports) UpsertProductsWithTx(ctx context.Context, tx pgx.Tx, products []database.ObservedProduct, seenAt time.Time) error {
	return m.Called(products, seenAt).Error(0)
}

type recordingOutbox struct {
	events []*database.OutboxEvent
	err    error
}

func (o *recordingOutbox) InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error {
	if o.err != nil {
		return o.err
	}
	o.events = append(o.events, event)
	return nil
}

func nameKey(p models.ProductRecord) string {
	return p.Name
}

func testReport() *models.MonitoringReport {
	birkin := models.ProductRecord{Name: "Birkin 25 bag", Price: 85000, Currency: "HKD"}
	kelly := models.ProductRecord{Name: "Kelly 28 bag", Price: 78000, Currency: "HKD"}
	rule := models.WatchRule{NameContains: "Kelly", MinPrice: 70000, MaxPrice: 90000}
	return models.NewMonitoringReport(
		time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
		[]models.ProductRecord{birkin, kelly},
		[]models.ProductRecord{birkin},
		[]models.WatchMatch{{Product: kelly, Rule: rule, Reason: rule.Reason("HKD")}},
	)
}

func newTestPublisher(reports reportWriter, outbox outboxWriter, store Store) *Publisher {
	return &Publisher{
		store:   store,
		reports: reports,
		outbox:  outbox,
		key:     nameKey,
		stream:  database.DefaultStream,
		logger:  slog.Default(),
	}
}

func TestPublisher_SaveReport(t *testing.T) {
	ctx := context.Background()
	report := testReport()

	t.Run("writes report, products and events together", func(t *testing.T) {
		reports := new(MockReports)
		outbox := &recordingOutbox{}
		store := &fakeStore{}

		reports.On("InsertWithTx", report).Return(nil)
		reports.On("UpsertProductsWithTx", mock.MatchedBy(func(products []database.ObservedProduct) bool {
			return len(products) == 2 && products[0].Key == "Birkin 25 bag" && products[1].Key == "Kelly 28 bag"
		}), report.ScanTime).Return(nil)

		require.NoError(t, newTestPublisher(reports, outbox, store).SaveReport(ctx, report))

		assert.True(t, store.committed)
		reports.AssertExpectations(t)
		require.Len(t, outbox.events, 2)
		assert.Equal(t, TypeNewProduct, outbox.events[0].EventType)
		assert.Equal(t, "Birkin 25 bag", outbox.events[0].AggregateID)
		assert.Equal(t, TypeWatchlistMatch, outbox.events[1].EventType)
		assert.Equal(t, database.DefaultStream, outbox.events[1].TargetStream)
	})

	t.Run("outbox failure aborts the transaction", func(t *testing.T) {
		reports := new(MockReports)
		reports.On("InsertWithTx", mock.Anything).Return(nil)
		reports.On("UpsertProductsWithTx", mock.Anything, mock.Anything).Return(nil)
		store := &fakeStore{}

		err := newTestPublisher(reports, &recordingOutbox{err: errors.New("insert failed")}, store).SaveReport(ctx, report)
		assert.ErrorContains(t, err, "insert failed")
		assert.False(t, store.committed)
	})

	t.Run("report insert failure skips the rest", func(t *testing.T) {
		reports := new(MockReports)
		reports.On("InsertWithTx", mock.Anything).Return(errors.New("duplicate id"))
		outbox := &recordingOutbox{}

		err := newTestPublisher(reports, outbox, &fakeStore{}).SaveReport(ctx, report)
		assert.Error(t, err)
		reports.AssertNotCalled(t, "UpsertProductsWithTx", mock.Anything, mock.Anything)
		assert.Empty(t, outbox.events)
	})
}

func TestPublisher_BuildPayloads(t *testing.T) {
	report := testReport()
	events, err := newTestPublisher(nil, nil, nil).Build(report)
	require.NoError(t, err)
	require.Len(t, events, 2)

	var match Payload
	require.NoError(t, json.Unmarshal(events[1].Payload, &match))
	assert.Equal(t, "Kelly 28 bag", match.IdentityKey)
	assert.Equal(t, report.ID, match.ReportID)
	assert.Equal(t, "Kelly in range HKD 70000-90000", match.Reason)
	require.NotNil(t, match.Rule)
	assert.Equal(t, int64(90000), match.Rule.MaxPrice)

	var added Payload
	require.NoError(t, json.Unmarshal(events[0].Payload, &added))
	assert.Nil(t, added.Rule)
	assert.Empty(t, added.Reason)
	assert.Equal(t, int64(85000), added.Product.Price)
}
