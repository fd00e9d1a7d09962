package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"

	"github.com/maltedev/catalog-monitor/internal/browser"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/proxy"
)

type APIOptions struct {
	URL        string
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	Cookies    []browser.Cookie
}

// CatalogAPIScraper reads a JSON catalog endpoint instead of rendering HTML.
type CatalogAPIScraper struct {
	url     string
	http    *resty.Client
	proxies proxy.Pool
	current atomic.Pointer[url.URL]
	logger  *slog.Logger
	now     func() time.Time
}

func NewCatalogAPIScraper(opts APIOptions, proxies proxy.Pool, logger *slog.Logger) (*CatalogAPIScraper, error) {
	target, err := url.Parse(opts.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid catalog api url %q", opts.URL)
	}

	s := &CatalogAPIScraper{
		url:     opts.URL,
		proxies: proxies,
		logger:  logger.With("component", "api_scraper"),
		now:     time.Now,
	}

	// the bypass wrapper hides the *http.Transport from resty, so proxies
	// are switched through this hook instead of SetProxy
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.Proxy = func(*http.Request) (*url.URL, error) {
		return s.current.Load(), nil
	}

	client := resty.New()
	client.SetTransport(cloudflarebp.AddCloudFlareByPass(base))
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if len(opts.Cookies) > 0 {
		jar.SetCookies(&url.URL{Scheme: target.Scheme, Host: target.Host}, browser.HTTPCookies(opts.Cookies))
	}
	client.SetCookieJar(jar)

	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	client.SetHeader("Accept", "application/json")
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	} else {
		client.SetTimeout(30 * time.Second)
	}
	client.SetRetryCount(opts.MaxRetries)
	if opts.RetryDelay > 0 {
		client.SetRetryWaitTime(opts.RetryDelay)
	}
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
	})

	s.http = client
	return s, nil
}

func (s *CatalogAPIScraper) Scrape(ctx context.Context) ([]models.RawProduct, error) {
	var proxyAddr string
	s.current.Store(nil)
	if s.proxies != nil {
		p, err := s.proxies.Next(ctx)
		if err != nil {
			s.logger.Warn("no proxy available, fetching directly", "error", err)
		} else if u, perr := url.Parse(proxy.URL(p)); perr == nil {
			proxyAddr = p
			s.current.Store(u)
		}
	}

	res, err := s.http.R().SetContext(ctx).Get(s.url)
	if err != nil {
		s.discard(ctx, proxyAddr)
		return nil, &FetchError{URL: s.url, Err: err}
	}
	switch {
	case res.StatusCode() == http.StatusForbidden:
		s.discard(ctx, proxyAddr)
		return nil, fmt.Errorf("%w: status %d from %s", ErrBlocked, res.StatusCode(), s.url)
	case res.IsError():
		return nil, &FetchError{URL: s.url, Err: fmt.Errorf("status %d", res.StatusCode())}
	}

	products, err := ParseCatalogJSON(res.Body(), s.now())
	if err != nil {
		return nil, fmt.Errorf("decode catalog from %s: %w", s.url, err)
	}
	if len(products) == 0 {
		return nil, ErrNoProducts
	}

	s.logger.Info("catalog api scrape finished", "items", len(products))
	return products, nil
}

func (s *CatalogAPIScraper) discard(ctx context.Context, addr string) {
	if s.proxies == nil || addr == "" {
		return
	}
	if err := s.proxies.Discard(ctx, addr); err != nil {
		s.logger.Warn("failed to discard proxy", "proxy", addr, "error", err)
	}
}

type apiItem struct {
	Name     string          `json:"name"`
	Title    string          `json:"title"`
	Price    json.RawMessage `json:"price"`
	Currency string          `json:"currency"`
	SKU      string          `json:"sku"`
	URL      string          `json:"url"`
	Link     string          `json:"link"`
	Image    string          `json:"image"`
	Assets   []struct {
		URL string `json:"url"`
	} `json:"assets"`
}

// ParseCatalogJSON accepts {"products": [...]} and
// {"products": {"items": [...]}} payloads.
func ParseCatalogJSON(body []byte, at time.Time) ([]models.RawProduct, error) {
	var envelope struct {
		Products json.RawMessage `json:"products"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}

	var items []apiItem
	trimmed := bytes.TrimSpace(envelope.Products)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		return []models.RawProduct{}, nil
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
	default:
		var nested struct {
			Items []apiItem `json:"items"`
		}
		if err := json.Unmarshal(trimmed, &nested); err != nil {
			return nil, err
		}
		items = nested.Items
	}

	products := make([]models.RawProduct, 0, len(items))
	for _, item := range items {
		products = append(products, item.raw(at))
	}
	return products, nil
}

func (it apiItem) raw(at time.Time) models.RawProduct {
	raw := models.RawProduct{
		NameCandidates: make([]string, 0, 2),
		PriceText:      priceText(it.Price),
		Currency:       it.Currency,
		ImageURL:       it.Image,
		ProductURL:     it.URL,
		SKU:            it.SKU,
		ExtractedAt:    at,
	}
	for _, name := range []string{it.Name, it.Title} {
		if strings.TrimSpace(name) != "" {
			raw.NameCandidates = append(raw.NameCandidates, name)
		}
	}
	if raw.ProductURL == "" {
		raw.ProductURL = it.Link
	}
	if raw.ImageURL == "" && len(it.Assets) > 0 {
		raw.ImageURL = it.Assets[0].URL
	}
	return raw
}

func priceText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}
