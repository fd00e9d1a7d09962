package monitor

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-monitor/internal/catalog"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/normalizer"
	"github.com/maltedev/catalog-monitor/internal/scraper"
	"github.com/maltedev/catalog-monitor/internal/storage"
)

type fakeSource struct {
	mu      sync.Mutex
	batches [][]models.RawProduct
	errs    []error
	calls   int
	panics  bool
}

func (s *fakeSource) Scrape(ctx context.Context) ([]models.RawProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if s.panics {
		panic("selector exploded")
	}
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.batches) {
		return s.batches[len(s.batches)-1], nil
	}
	return s.batches[i], nil
}

type fakeNotifier struct {
	calls   int
	added   [][]models.ProductRecord
	matches [][]models.WatchMatch
	err     error
}

func (n *fakeNotifier) Notify(ctx context.Context, added []models.ProductRecord, matches []models.WatchMatch) error {
	n.calls++
	n.added = append(n.added, added)
	n.matches = append(n.matches, matches)
	return n.err
}

type countingStore struct {
	*storage.SnapshotStore
	saves   int
	failing bool
}

func (s *countingStore) Save(snapshot *storage.Snapshot) error {
	if s.failing {
		return errors.New("disk full")
	}
	s.saves++
	return s.SnapshotStore.Save(snapshot)
}

type fakePurchaser struct {
	attempts []models.ProductRecord
}

func (p *fakePurchaser) Enabled() bool { return true }

func (p *fakePurchaser) Attempt(ctx context.Context, product models.ProductRecord) (*models.PurchaseResult, error) {
	p.attempts = append(p.attempts, product)
	return models.NewPurchaseResult(product, time.Now()), nil
}

func raw(name, price string) models.RawProduct {
	return models.RawProduct{NameCandidates: []string{name}, PriceText: price}
}

var (
	birkin = raw("Birkin 25 bag", "HK$85,000")
	kelly  = raw("Kelly 28 bag", "HK$78,000")
	picot  = raw("Picotin Lock 18 bag", "HK$28,200")
)

type fixture struct {
	monitor  *Monitor
	source   *fakeSource
	notifier *fakeNotifier
	store    *countingStore
	reports  *storage.ReportStore
}

func newFixture(t *testing.T, source *fakeSource, rules []models.WatchRule) *fixture {
	t.Helper()
	dir := t.TempDir()

	norm, err := normalizer.New(normalizer.Options{BaseURL: "https://www.hermes.com"})
	require.NoError(t, err)
	watchlist, err := catalog.NewWatchlist(rules)
	require.NoError(t, err)

	f := &fixture{
		source:   source,
		notifier: &fakeNotifier{},
		store:    &countingStore{SnapshotStore: storage.NewSnapshotStore(filepath.Join(dir, "last_products.json"))},
		reports:  storage.NewReportStore(filepath.Join(dir, "result")),
	}
	f.monitor, err = New(Deps{
		Source:     source,
		Normalizer: norm,
		Watchlist:  watchlist,
		Snapshots:  f.store,
		Notifier:   f.notifier,
		Sinks:      []ReportSink{f.reports},
	}, Options{Interval: time.Minute, ErrorBackoff: 5 * time.Minute}, slog.Default())
	require.NoError(t, err)
	return f
}

func TestMonitor_RunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("first scan reports everything as new", func(t *testing.T) {
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{birkin, kelly}}}, nil)

		result, err := f.monitor.RunOnce(ctx)
		require.NoError(t, err)

		require.Len(t, result.New, 2)
		assert.Equal(t, "Birkin 25 bag", result.New[0].Name)
		assert.Equal(t, int64(85000), result.New[0].Price)
		assert.Equal(t, "HKD", result.New[0].Currency)
		assert.True(t, result.Notified)
		assert.True(t, result.Saved)

		snapshot, err := f.store.Load()
		require.NoError(t, err)
		assert.Equal(t, []string{"Birkin 25 bag_85000", "Kelly 28 bag_78000"}, snapshot.Products)

		paths, err := f.reports.List()
		require.NoError(t, err)
		assert.Len(t, paths, 1)
	})

	t.Run("unchanged scan touches nothing", func(t *testing.T) {
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{birkin, kelly}}}, nil)

		_, err := f.monitor.RunOnce(ctx)
		require.NoError(t, err)
		result, err := f.monitor.RunOnce(ctx)
		require.NoError(t, err)

		assert.Empty(t, result.New)
		assert.Nil(t, result.Report)
		assert.Equal(t, 1, f.notifier.calls)
		assert.Equal(t, 1, f.store.saves)
	})

	t.Run("only the new arrival is reported", func(t *testing.T) {
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{birkin}, {birkin, picot, birkin}}}, nil)

		_, err := f.monitor.RunOnce(ctx)
		require.NoError(t, err)
		result, err := f.monitor.RunOnce(ctx)
		require.NoError(t, err)

		require.Len(t, result.New, 1)
		assert.Equal(t, "Picotin Lock 18 bag", result.New[0].Name)
		assert.Len(t, result.Products, 2)
		assert.Equal(t, 2, result.Report.TotalProducts)
	})

	t.Run("watch matches re-notify every cycle", func(t *testing.T) {
		rules := []models.WatchRule{{NameContains: "kelly", MinPrice: 70000, MaxPrice: 90000}}
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{kelly}}}, rules)

		_, err := f.monitor.RunOnce(ctx)
		require.NoError(t, err)
		result, err := f.monitor.RunOnce(ctx)
		require.NoError(t, err)

		assert.Empty(t, result.New)
		require.Len(t, result.Matches, 1)
		assert.Equal(t, "kelly in range HKD 70000-90000", result.Matches[0].Reason)
		assert.Equal(t, 2, f.notifier.calls)
		assert.Equal(t, 2, f.store.saves)
	})

	t.Run("scrape failure leaves state untouched", func(t *testing.T) {
		f := newFixture(t, &fakeSource{
			batches: [][]models.RawProduct{{birkin}},
			errs:    []error{scraper.ErrBlocked},
		}, nil)

		_, err := f.monitor.RunOnce(ctx)
		assert.ErrorIs(t, err, scraper.ErrBlocked)
		assert.Zero(t, f.notifier.calls)
		assert.Zero(t, f.store.saves)
	})

	t.Run("empty scrape is transient", func(t *testing.T) {
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{raw("Bag", "1")}}}, nil)

		_, err := f.monitor.RunOnce(ctx)
		assert.ErrorIs(t, err, scraper.ErrNoProducts)
		assert.True(t, scraper.IsTransient(err))
	})

	t.Run("failed save keeps known keys", func(t *testing.T) {
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{birkin}}}, nil)
		f.store.failing = true

		_, err := f.monitor.RunOnce(ctx)
		assert.ErrorIs(t, err, ErrStorage)

		f.store.failing = false
		result, err := f.monitor.RunOnce(ctx)
		require.NoError(t, err)
		assert.Len(t, result.New, 1)
	})

	t.Run("notification failure does not block persistence", func(t *testing.T) {
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{birkin}}}, nil)
		f.notifier.err = errors.New("smtp down")

		result, err := f.monitor.RunOnce(ctx)
		require.NoError(t, err)
		assert.False(t, result.Notified)
		assert.True(t, result.Saved)
	})

	t.Run("cancelled context still persists", func(t *testing.T) {
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{birkin}}}, nil)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		result, err := f.monitor.RunOnce(cctx)
		require.NoError(t, err)
		assert.True(t, result.Saved)
	})

	t.Run("matches are handed to the purchaser", func(t *testing.T) {
		rules := []models.WatchRule{{NameContains: "Birkin", MinPrice: 0, MaxPrice: 90000}}
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{birkin, kelly}}}, rules)
		purchaser := &fakePurchaser{}
		f.monitor.deps.Purchaser = purchaser

		result, err := f.monitor.RunOnce(ctx)
		require.NoError(t, err)
		require.Len(t, purchaser.attempts, 1)
		assert.Equal(t, "Birkin 25 bag", purchaser.attempts[0].Name)
		assert.Equal(t, purchaser.attempts, result.Purchased)
	})

	t.Run("a standing match is purchased once", func(t *testing.T) {
		rules := []models.WatchRule{{NameContains: "Birkin", MinPrice: 0, MaxPrice: 90000}}
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{birkin, kelly}}}, rules)
		purchaser := &fakePurchaser{}
		f.monitor.deps.Purchaser = purchaser

		for range 3 {
			result, err := f.monitor.RunOnce(ctx)
			require.NoError(t, err)
			require.Len(t, result.Matches, 1)
		}
		require.Len(t, purchaser.attempts, 1)
		assert.Equal(t, "Birkin 25 bag", purchaser.attempts[0].Name)
		assert.Equal(t, 3, f.notifier.calls)
	})

	t.Run("a failed save does not repeat the purchase", func(t *testing.T) {
		rules := []models.WatchRule{{NameContains: "Birkin", MinPrice: 0, MaxPrice: 90000}}
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{birkin}}}, rules)
		purchaser := &fakePurchaser{}
		f.monitor.deps.Purchaser = purchaser
		f.store.failing = true

		_, err := f.monitor.RunOnce(ctx)
		assert.ErrorIs(t, err, ErrStorage)
		result, err := f.monitor.RunOnce(ctx)
		assert.ErrorIs(t, err, ErrStorage)

		assert.Len(t, result.New, 1)
		assert.Empty(t, result.Purchased)
		assert.Len(t, purchaser.attempts, 1)
	})

	t.Run("repeated records are counted as duplicates", func(t *testing.T) {
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{birkin, kelly, birkin, birkin}}}, nil)

		result, err := f.monitor.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, result.Duplicates)
		assert.Len(t, result.Products, 2)
		assert.Len(t, result.New, 2)
	})
}

func TestMonitor_LoadsExistingSnapshot(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewSnapshotStore(filepath.Join(dir, "last_products.json"))
	require.NoError(t, store.Save(storage.NewSnapshot([]string{"Birkin 25 bag_85000"}, time.Now())))

	norm, err := normalizer.New(normalizer.Options{BaseURL: "https://www.hermes.com"})
	require.NoError(t, err)
	m, err := New(Deps{
		Source:     &fakeSource{batches: [][]models.RawProduct{{birkin, kelly}}},
		Normalizer: norm,
		Snapshots:  store,
	}, Options{}, slog.Default())
	require.NoError(t, err)

	assert.Equal(t, 1, m.Status().KnownProducts)
	assert.Equal(t, time.Minute, m.opts.Interval)
	assert.Greater(t, m.opts.ErrorBackoff, m.opts.Interval)

	result, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, result.New, 1)
	assert.Equal(t, "Kelly 28 bag", result.New[0].Name)
	assert.ElementsMatch(t, []string{"Birkin 25 bag_85000", "Kelly 28 bag_78000"}, m.Snapshot().Products)

	t.Run("known products are not purchased after a restart", func(t *testing.T) {
		watchlist, err := catalog.NewWatchlist([]models.WatchRule{{NameContains: "bag", MaxPrice: 100000}})
		require.NoError(t, err)
		purchaser := &fakePurchaser{}
		m, err := New(Deps{
			Source:     &fakeSource{batches: [][]models.RawProduct{{birkin, kelly}}},
			Normalizer: norm,
			Watchlist:  watchlist,
			Snapshots:  store,
			Purchaser:  purchaser,
		}, Options{}, slog.Default())
		require.NoError(t, err)

		result, err := m.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Len(t, result.Matches, 2)
		assert.Empty(t, purchaser.attempts)

		require.NoError(t, store.Save(storage.NewSnapshot([]string{"Birkin 25 bag_85000"}, time.Now())))
		m, err = New(Deps{
			Source:     &fakeSource{batches: [][]models.RawProduct{{birkin, kelly}}},
			Normalizer: norm,
			Watchlist:  watchlist,
			Snapshots:  store,
			Purchaser:  purchaser,
		}, Options{}, slog.Default())
		require.NoError(t, err)

		_, err = m.RunOnce(context.Background())
		require.NoError(t, err)
		require.Len(t, purchaser.attempts, 1)
		assert.Equal(t, "Kelly 28 bag", purchaser.attempts[0].Name)
	})
}

// recordSleeps replaces the loop's sleep and cancels after n waits.
func recordSleeps(m *Monitor, cancel context.CancelFunc, n int) *[]time.Duration {
	var waits []time.Duration
	m.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		if len(waits) >= n {
			cancel()
			return context.Canceled
		}
		return nil
	}
	return &waits
}

func TestMonitor_Run(t *testing.T) {
	t.Run("success and transient failure sleep the normal interval", func(t *testing.T) {
		f := newFixture(t, &fakeSource{
			batches: [][]models.RawProduct{{birkin}},
			errs:    []error{nil, scraper.ErrNoProducts},
		}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		waits := recordSleeps(f.monitor, cancel, 3)

		require.NoError(t, f.monitor.Run(ctx))

		assert.Equal(t, []time.Duration{time.Minute, time.Minute, time.Minute}, *waits)
		status := f.monitor.Status()
		assert.Equal(t, ShuttingDown.String(), status.State)
		assert.Equal(t, 3, status.Cycles)
		assert.Equal(t, 1, status.Failures)
	})

	t.Run("panic backs off", func(t *testing.T) {
		f := newFixture(t, &fakeSource{panics: true}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		waits := recordSleeps(f.monitor, cancel, 2)

		require.NoError(t, f.monitor.Run(ctx))

		assert.Equal(t, []time.Duration{5 * time.Minute, 5 * time.Minute}, *waits)
		assert.Contains(t, f.monitor.Status().LastError, "selector exploded")
	})

	t.Run("unexpected error backs off", func(t *testing.T) {
		f := newFixture(t, &fakeSource{
			batches: [][]models.RawProduct{{birkin}},
			errs:    []error{errors.New("driver crashed")},
		}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		waits := recordSleeps(f.monitor, cancel, 2)

		require.NoError(t, f.monitor.Run(ctx))
		assert.Equal(t, []time.Duration{5 * time.Minute, time.Minute}, *waits)
	})

	t.Run("cancelled before start", func(t *testing.T) {
		f := newFixture(t, &fakeSource{batches: [][]models.RawProduct{{birkin}}}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.NoError(t, f.monitor.Run(ctx))
		assert.Zero(t, f.source.calls)
	})
}
