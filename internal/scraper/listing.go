package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maltedev/catalog-monitor/internal/browser"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/parser"
	"github.com/maltedev/catalog-monitor/internal/proxy"
	"github.com/maltedev/catalog-monitor/internal/ratelimit"
)

type ListingOptions struct {
	URLs       []string
	Browser    browser.Options
	Scroll     browser.ScrollOptions
	MaxRetries int
	Humanize   bool
	// UserAgents rotate per scan when set.
	UserAgents []string
}

// ListingScraper renders listing pages in a fresh browser session per scan
// and parses the product tiles after every scroll pass.
type ListingScraper struct {
	opts    ListingOptions
	parser  *parser.ListingParser
	proxies proxy.Pool
	limiter ratelimit.RateLimiter
	logger  *slog.Logger
	scans   int

	open func(*browser.Options) (*browser.Browser, error)
}

func NewListingScraper(opts ListingOptions, p *parser.ListingParser, proxies proxy.Pool, limiter ratelimit.RateLimiter, logger *slog.Logger) *ListingScraper {
	if p == nil {
		p = parser.NewListingParser(parser.Selectors{})
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	return &ListingScraper{
		opts:    opts,
		parser:  p,
		proxies: proxies,
		limiter: limiter,
		logger:  logger.With("component", "listing_scraper"),
		open:    browser.New,
	}
}

func (s *ListingScraper) Scrape(ctx context.Context) ([]models.RawProduct, error) {
	opts := s.sessionOptions()

	var proxyAddr string
	if s.proxies != nil {
		p, err := s.proxies.Next(ctx)
		if err != nil {
			s.logger.Warn("no proxy available, scraping directly", "error", err)
		} else {
			proxyAddr = p
			opts.Proxy = &browser.Proxy{Server: proxy.URL(p)}
		}
	}

	b, err := s.open(&opts)
	if err != nil {
		return nil, fmt.Errorf("open browser: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			s.logger.Warn("failed to close browser", "error", err)
		}
	}()

	found := newCollector()
	for _, url := range s.opts.URLs {
		if err := s.scrapePage(ctx, b, url, found); err != nil {
			if errors.Is(err, ErrBlocked) {
				s.discardProxy(ctx, proxyAddr)
			}
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			s.recordError()
			s.logger.Error("failed to scrape listing", "url", url, "error", err)
			if found.len() == 0 && len(s.opts.URLs) == 1 {
				return nil, err
			}
			continue
		}
		s.recordSuccess()
	}

	if found.len() == 0 {
		return nil, ErrNoProducts
	}
	s.logger.Info("listing scrape finished", "tiles", found.len(), "pages", len(s.opts.URLs))
	return found.result(), nil
}

func (s *ListingScraper) scrapePage(ctx context.Context, b *browser.Browser, url string, found *collector) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	page, err := b.NewPage()
	if err != nil {
		return err
	}
	defer page.Close()

	s.logger.Info("scraping listing", "url", url)
	if err := b.NavigateWithRetry(ctx, page, url, s.opts.MaxRetries); err != nil {
		if errors.Is(err, ErrBlocked) || errors.Is(err, context.Canceled) {
			return err
		}
		return &FetchError{URL: url, Err: err}
	}

	if s.opts.Humanize {
		if err := b.HumanizeInteraction(ctx, page); err != nil {
			s.logger.Debug("humanize failed", "error", err)
		}
	}

	return browser.ScrollToLoad(ctx, page, s.opts.Scroll, func(html string) (int, error) {
		raws, err := s.parser.ParseListing(strings.NewReader(html))
		if err != nil {
			return 0, err
		}
		if added := found.add(raws); added > 0 {
			s.logger.Debug("tiles loaded", "url", url, "added", added, "total", found.len())
		}
		return found.len(), nil
	})
}

func (s *ListingScraper) sessionOptions() browser.Options {
	opts := s.opts.Browser
	opts.Logger = s.logger
	if n := len(s.opts.UserAgents); n > 0 {
		opts.UserAgent = s.opts.UserAgents[s.scans%n]
	}
	s.scans++
	return opts
}

func (s *ListingScraper) discardProxy(ctx context.Context, addr string) {
	if s.proxies == nil || addr == "" {
		return
	}
	if err := s.proxies.Discard(ctx, addr); err != nil {
		s.logger.Warn("failed to discard proxy", "proxy", addr, "error", err)
		return
	}
	s.logger.Info("discarded blocked proxy", "proxy", addr)
}

func (s *ListingScraper) recordError() {
	if f, ok := s.limiter.(ratelimit.Feedback); ok {
		f.RecordError()
	}
}

func (s *ListingScraper) recordSuccess() {
	if f, ok := s.limiter.(ratelimit.Feedback); ok {
		f.RecordSuccess()
	}
}
