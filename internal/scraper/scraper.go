package scraper

import (
	"context"
	"errors"

	"github.com/maltedev/catalog-monitor/internal/browser"
	"github.com/maltedev/catalog-monitor/internal/models"
)

var (
	// ErrNoProducts means the scrape finished but found nothing, which the
	// monitor treats as a transient failure.
	ErrNoProducts = errors.New("no products found")
	ErrBlocked    = browser.ErrBlocked
)

// Source produces the raw catalog tiles of one scan, in page order.
type Source interface {
	Scrape(ctx context.Context) ([]models.RawProduct, error)
}

// IsTransient reports whether err is an expected scrape failure rather than
// a bug.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNoProducts) ||
		errors.Is(err, ErrBlocked) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, new(*FetchError))
}

// FetchError wraps network and browser failures of a scrape.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return "fetch " + e.URL + ": " + e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// rawKey identifies a tile across scroll passes before normalization.
func rawKey(raw models.RawProduct) string {
	name := ""
	if len(raw.NameCandidates) > 0 {
		name = raw.NameCandidates[0]
	}
	return name + "_" + raw.PriceText + "_" + raw.ProductURL
}

// collector accumulates tiles across passes, first sighting wins.
type collector struct {
	seen     map[string]struct{}
	products []models.RawProduct
}

func newCollector() *collector {
	return &collector{seen: make(map[string]struct{})}
}

func (c *collector) add(raws []models.RawProduct) int {
	added := 0
	for _, raw := range raws {
		if len(raw.NameCandidates) == 0 {
			continue
		}
		key := rawKey(raw)
		if _, ok := c.seen[key]; ok {
			continue
		}
		c.seen[key] = struct{}{}
		c.products = append(c.products, raw)
		added++
	}
	return added
}

func (c *collector) len() int {
	return len(c.products)
}

func (c *collector) result() []models.RawProduct {
	if c.products == nil {
		return []models.RawProduct{}
	}
	return c.products
}
