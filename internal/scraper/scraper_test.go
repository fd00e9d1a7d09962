package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/catalog-monitor/internal/browser"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/proxy"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestCollector(t *testing.T) {
	c := newCollector()

	added := c.add([]models.RawProduct{
		{NameCandidates: []string{"Birkin 25 bag"}, PriceText: "HK$85,000"},
		{NameCandidates: []string{"Kelly 28 bag"}, PriceText: "HK$78,000"},
		{PriceText: "HK$1"},
	})
	assert.Equal(t, 2, added)

	added = c.add([]models.RawProduct{
		{NameCandidates: []string{"Birkin 25 bag"}, PriceText: "HK$85,000"},
		{NameCandidates: []string{"Evelyne TPM bag"}, PriceText: "HK$25,000"},
	})
	assert.Equal(t, 1, added)

	result := c.result()
	require.Len(t, result, 3)
	assert.Equal(t, "Evelyne TPM bag", result[2].NameCandidates[0])

	assert.NotNil(t, newCollector().result())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"no products", ErrNoProducts, true},
		{"blocked", fmt.Errorf("scan: %w", browser.ErrBlocked), true},
		{"timeout", context.DeadlineExceeded, true},
		{"fetch", &FetchError{URL: "https://example.com", Err: errors.New("connection reset")}, true},
		{"other", errors.New("nil pointer"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestParseCatalogJSON(t *testing.T) {
	at := time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)

	t.Run("flat list", func(t *testing.T) {
		body := `{"products": [
			{"name": "Birkin 25 bag", "price": 85000, "currency": "HKD", "sku": "H123456", "url": "/product/H123456", "image": "birkin.jpg"},
			{"title": "Kelly 28 bag", "price": "HK$78,000", "link": "/product/H234567"}
		], "total": 2}`

		products, err := ParseCatalogJSON([]byte(body), at)
		require.NoError(t, err)
		require.Len(t, products, 2)

		assert.Equal(t, []string{"Birkin 25 bag"}, products[0].NameCandidates)
		assert.Equal(t, "85000", products[0].PriceText)
		assert.Equal(t, "H123456", products[0].SKU)
		assert.Equal(t, "/product/H123456", products[0].ProductURL)
		assert.Equal(t, at, products[0].ExtractedAt)

		assert.Equal(t, []string{"Kelly 28 bag"}, products[1].NameCandidates)
		assert.Equal(t, "HK$78,000", products[1].PriceText)
		assert.Equal(t, "/product/H234567", products[1].ProductURL)
	})

	t.Run("nested items with assets", func(t *testing.T) {
		body := `{"products": {"items": [
			{"title": "Picotin Lock 18 bag", "price": 28200, "assets": [{"url": "//assets.hermes.com/picotin.jpg"}]}
		]}}`

		products, err := ParseCatalogJSON([]byte(body), at)
		require.NoError(t, err)
		require.Len(t, products, 1)
		assert.Equal(t, "//assets.hermes.com/picotin.jpg", products[0].ImageURL)
		assert.Equal(t, "28200", products[0].PriceText)
	})

	t.Run("missing products", func(t *testing.T) {
		products, err := ParseCatalogJSON([]byte(`{"status": "ok"}`), at)
		require.NoError(t, err)
		assert.Empty(t, products)
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseCatalogJSON([]byte(`<html>`), at)
		assert.Error(t, err)
	})
}

func TestCatalogAPIScraper_Scrape(t *testing.T) {
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"products": [{"name": "Birkin 25 bag", "price": 85000, "url": "/product/H123456"}]}`))
	}))
	defer srv.Close()

	s, err := NewCatalogAPIScraper(APIOptions{
		URL:     srv.URL + "/api/products",
		Cookies: []browser.Cookie{{Name: "session", Value: "abc", Domain: "127.0.0.1", Path: "/"}},
	}, nil, testLogger)
	require.NoError(t, err)

	products, err := s.Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "85000", products[0].PriceText)
	assert.Equal(t, "abc", gotCookie)
}

func TestCatalogAPIScraper_EmptyCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"products": []}`))
	}))
	defer srv.Close()

	s, err := NewCatalogAPIScraper(APIOptions{URL: srv.URL}, nil, testLogger)
	require.NoError(t, err)

	_, err = s.Scrape(context.Background())
	assert.ErrorIs(t, err, ErrNoProducts)
}

type recordingPool struct {
	mu        sync.Mutex
	proxy     string
	discarded []string
}

func (p *recordingPool) Next(context.Context) (string, error) {
	return p.proxy, nil
}

func (p *recordingPool) Discard(_ context.Context, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discarded = append(p.discarded, addr)
	return nil
}

var _ proxy.Pool = (*recordingPool)(nil)

func TestCatalogAPIScraper_BlockedDiscardsProxy(t *testing.T) {
	// the test server doubles as an HTTP proxy and refuses everything
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	pool := &recordingPool{proxy: srv.Listener.Addr().String()}
	s, err := NewCatalogAPIScraper(APIOptions{URL: "http://catalog.invalid/api/products"}, pool, testLogger)
	require.NoError(t, err)

	_, err = s.Scrape(context.Background())
	assert.ErrorIs(t, err, ErrBlocked)
	assert.True(t, IsTransient(err))
	assert.Equal(t, []string{srv.Listener.Addr().String()}, pool.discarded)
}

func TestCatalogAPIScraper_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewCatalogAPIScraper(APIOptions{URL: srv.URL}, nil, testLogger)
	require.NoError(t, err)

	_, err = s.Scrape(context.Background())
	var fetchErr *FetchError
	assert.ErrorAs(t, err, &fetchErr)
}

func TestNewCatalogAPIScraper_InvalidURL(t *testing.T) {
	_, err := NewCatalogAPIScraper(APIOptions{URL: "/api/products"}, nil, testLogger)
	assert.Error(t, err)
}
