// Package monitor runs scan cycles: scrape, normalize, diff against the
// last snapshot, match the watchlist, then notify and persist when
// something changed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/maltedev/catalog-monitor/internal/catalog"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/normalizer"
	"github.com/maltedev/catalog-monitor/internal/notify"
	"github.com/maltedev/catalog-monitor/internal/scraper"
	"github.com/maltedev/catalog-monitor/internal/storage"
)

// ErrStorage marks a failed snapshot or report write. The cycle's snapshot
// update is skipped and retried on the next cycle.
var ErrStorage = errors.New("storage failure")

type SnapshotStore interface {
	Load() (*storage.Snapshot, error)
	Save(snapshot *storage.Snapshot) error
}

// ReportSink receives every report of a cycle with changes.
type ReportSink interface {
	SaveReport(ctx context.Context, report *models.MonitoringReport) error
}

type Purchaser interface {
	Enabled() bool
	Attempt(ctx context.Context, product models.ProductRecord) (*models.PurchaseResult, error)
}

type Deps struct {
	Source     scraper.Source
	Normalizer *normalizer.Normalizer
	Differ     *catalog.Differ
	Watchlist  *catalog.Watchlist
	Snapshots  SnapshotStore
	Notifier   notify.Notifier
	Sinks      []ReportSink
	Purchaser  Purchaser
}

type Options struct {
	Interval     time.Duration
	ErrorBackoff time.Duration
}

// CycleResult is what one scan cycle saw and did.
type CycleResult struct {
	Products []models.ProductRecord
	New      []models.ProductRecord
	Matches  []models.WatchMatch
	// Duplicates counts scraped records dropped because their key repeated.
	Duplicates int
	Report     *models.MonitoringReport
	Notified   bool
	Saved      bool
	// Purchased lists the matches handed to the purchaser this cycle.
	Purchased []models.ProductRecord
}

func (r *CycleResult) HasChanges() bool {
	return len(r.New) > 0 || len(r.Matches) > 0
}

// Status is a point-in-time view of the loop for the status API.
type Status struct {
	State         string    `json:"state"`
	Cycles        int       `json:"cycles"`
	Failures      int       `json:"failures"`
	LastScan      time.Time `json:"last_scan,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	LastProducts  int       `json:"last_products"`
	LastNew       int       `json:"last_new"`
	LastMatched   int       `json:"last_matched"`
	KnownProducts int       `json:"known_products"`
	SnapshotTime  time.Time `json:"snapshot_time,omitzero"`
	NextScan      time.Time `json:"next_scan,omitzero"`
}

type Monitor struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu           sync.RWMutex
	known        mapset.Set[catalog.IdentityKey]
	snapshotTime time.Time
	status       Status

	// attempted holds every key the purchaser has been given, seeded with
	// the snapshot so a restart does not buy already known products.
	// Only RunOnce touches it.
	attempted mapset.Set[catalog.IdentityKey]
}

// New loads the persisted snapshot once. A missing file starts empty; an
// unreadable one is logged and also starts empty.
func New(deps Deps, opts Options, logger *slog.Logger) (*Monitor, error) {
	if deps.Source == nil || deps.Normalizer == nil || deps.Snapshots == nil {
		return nil, errors.New("monitor: source, normalizer and snapshot store are required")
	}
	if deps.Differ == nil {
		deps.Differ = catalog.NewDiffer(nil)
	}
	if deps.Watchlist == nil {
		deps.Watchlist, _ = catalog.NewWatchlist(nil)
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.ErrorBackoff <= opts.Interval {
		opts.ErrorBackoff = max(5*time.Minute, 2*opts.Interval)
	}

	m := &Monitor{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "monitor"),
		now:    time.Now,
		sleep:  sleepCtx,
		known:  mapset.NewThreadUnsafeSet[catalog.IdentityKey](),
	}

	snapshot, err := deps.Snapshots.Load()
	if err != nil {
		m.logger.Error("failed to load snapshot, starting empty", "error", err)
	} else {
		m.known = catalog.KeySet(snapshot.Products)
		m.snapshotTime = snapshot.Timestamp
	}
	m.attempted = m.known.Clone()
	m.status = Status{State: Scanning.String(), KnownProducts: m.known.Cardinality(), SnapshotTime: m.snapshotTime}

	m.logger.Info("monitor ready",
		"known_products", m.known.Cardinality(),
		"watch_rules", deps.Watchlist.Len(),
		"identity", deps.Differ.Strategy().Name(),
		"interval", opts.Interval)
	return m, nil
}

// RunOnce performs one scan cycle. A scrape failure or empty scrape leaves
// all state untouched and returns a transient error. Once changes are
// found, notification and persistence run to completion even if ctx is
// cancelled.
func (m *Monitor) RunOnce(ctx context.Context) (*CycleResult, error) {
	raws, err := m.deps.Source.Scrape(ctx)
	if err != nil {
		return nil, fmt.Errorf("scrape: %w", err)
	}

	normalized := m.deps.Normalizer.NormalizeAll(raws)
	if len(normalized) == 0 {
		return nil, fmt.Errorf("scrape returned %d raw items: %w", len(raws), scraper.ErrNoProducts)
	}

	m.mu.RLock()
	diff := m.deps.Differ.Diff(normalized, m.known)
	m.mu.RUnlock()

	products := m.deps.Differ.Dedupe(normalized)
	matches := m.deps.Watchlist.MatchAll(products)
	result := &CycleResult{Products: products, New: diff.New, Matches: matches, Duplicates: diff.Duplicates}

	m.logger.Info("scan finished",
		"products", len(products),
		"new", len(diff.New),
		"matched", len(matches),
		"duplicates", result.Duplicates)

	if !result.HasChanges() {
		return result, nil
	}

	persistCtx := context.WithoutCancel(ctx)
	scanTime := m.now()
	result.Report = models.NewMonitoringReport(scanTime, products, diff.New, matches)

	if m.deps.Notifier != nil {
		if err := m.deps.Notifier.Notify(persistCtx, diff.New, matches); err != nil {
			m.logger.Error("notification failed", "error", err)
		} else {
			result.Notified = true
		}
	}

	var errs []error
	snapshot := storage.NewSnapshot(catalog.Strings(diff.AllKeys), scanTime)
	if err := m.deps.Snapshots.Save(snapshot); err != nil {
		m.logger.Error("failed to save snapshot", "error", err)
		errs = append(errs, fmt.Errorf("%w: snapshot: %w", ErrStorage, err))
	} else {
		m.mu.Lock()
		m.known = diff.AllKeys
		m.snapshotTime = scanTime
		m.mu.Unlock()
		result.Saved = true
	}

	for _, sink := range m.deps.Sinks {
		if err := sink.SaveReport(persistCtx, result.Report); err != nil {
			m.logger.Error("failed to save report", "report_id", result.Report.ID, "error", err)
			errs = append(errs, fmt.Errorf("%w: report: %w", ErrStorage, err))
		}
	}

	result.Purchased = m.purchase(ctx, matches)

	return result, errors.Join(errs...)
}

// purchase hands each matched product to the purchaser at most once per
// process, whatever the outcome. Matches stay in reports every cycle.
func (m *Monitor) purchase(ctx context.Context, matches []models.WatchMatch) []models.ProductRecord {
	if m.deps.Purchaser == nil || !m.deps.Purchaser.Enabled() {
		return nil
	}
	var attempted []models.ProductRecord
	for _, match := range matches {
		if ctx.Err() != nil {
			break
		}
		if !m.attempted.Add(m.deps.Differ.Key(match.Product)) {
			continue
		}
		attempted = append(attempted, match.Product)
		result, err := m.deps.Purchaser.Attempt(ctx, match.Product)
		if err != nil {
			m.logger.Warn("purchase skipped", "product", match.Product.Name, "error", err)
			continue
		}
		m.logger.Info("purchase attempt finished",
			"product", match.Product.Name,
			"success", result.Success,
			"step", result.Step,
			"error", result.Error)
	}
	return attempted
}

// Run drives the loop until ctx is cancelled. Panics inside a cycle are
// recovered and lead to Backoff.
func (m *Monitor) Run(ctx context.Context) error {
	state := Scanning
	for {
		if ctx.Err() != nil {
			state = Next(state, Interrupted)
		}
		m.setState(state)

		switch state {
		case Scanning:
			state = Next(state, m.cycle(ctx))
		case Sleeping:
			state = Next(state, m.wait(ctx, m.opts.Interval))
		case Backoff:
			m.logger.Warn("backing off after failure", "duration", m.opts.ErrorBackoff)
			state = Next(state, m.wait(ctx, m.opts.ErrorBackoff))
		case ShuttingDown:
			m.logger.Info("monitor stopped")
			return nil
		}
	}
}

func (m *Monitor) wait(ctx context.Context, d time.Duration) Event {
	m.mu.Lock()
	m.status.NextScan = m.now().Add(d)
	m.mu.Unlock()

	if err := m.sleep(ctx, d); err != nil {
		return Interrupted
	}
	return TimerElapsed
}

// cycle runs RunOnce and classifies its outcome.
func (m *Monitor) cycle(ctx context.Context) (event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("scan cycle panicked", "panic", r, "stack", string(debug.Stack()))
			m.recordFailure(fmt.Errorf("panic: %v", r))
			event = UnexpectedFailure
		}
	}()

	result, err := m.RunOnce(ctx)
	m.recordCycle(result, err)

	switch {
	case err == nil:
		return CycleSucceeded
	case ctx.Err() != nil:
		return Interrupted
	case scraper.IsTransient(err) || errors.Is(err, ErrStorage):
		m.logger.Warn("scan cycle failed", "error", err)
		return TransientFailure
	default:
		m.logger.Error("scan cycle failed unexpectedly", "error", err)
		return UnexpectedFailure
	}
}

func (m *Monitor) recordCycle(result *CycleResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.status.Cycles++
	m.status.LastScan = m.now()
	m.status.KnownProducts = m.known.Cardinality()
	m.status.SnapshotTime = m.snapshotTime
	m.status.LastError = ""
	if err != nil {
		m.status.Failures++
		m.status.LastError = err.Error()
	}
	if result != nil {
		m.status.LastProducts = len(result.Products)
		m.status.LastNew = len(result.New)
		m.status.LastMatched = len(result.Matches)
	}
}

func (m *Monitor) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Cycles++
	m.status.Failures++
	m.status.LastScan = m.now()
	m.status.LastError = err.Error()
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.status.State = s.String()
	m.mu.Unlock()
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Snapshot returns the keys the monitor currently treats as known.
func (m *Monitor) Snapshot() *storage.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return storage.NewSnapshot(catalog.Strings(m.known), m.snapshotTime)
}

func (m *Monitor) Watchlist() []models.WatchRule {
	return m.deps.Watchlist.Rules()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
