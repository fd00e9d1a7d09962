package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

// ErrBlocked means the site served a bot-protection or access-denied page
// instead of the catalog.
var ErrBlocked = errors.New("blocked by bot protection")

// Browser is one scoped playwright session. Open it per scan and Close it on
// every exit path.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	timeout time.Duration
	logger  *slog.Logger
}

type Proxy struct {
	Server   string
	Username string
	Password string
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	Proxy          *Proxy
	Cookies        []Cookie
	ExtraHeaders   map[string]string
	Logger         *slog.Logger
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-HK,en;q=0.9,zh-HK;q=0.8",
		TimezoneID:     "Asia/Hong_Kong",
		Locale:         "en-HK",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
	}
}

func New(opts *Options) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
		},
	}

	if opts.Proxy != nil && opts.Proxy.Server != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.Proxy.Server}
		if opts.Proxy.Username != "" {
			launchOpts.Proxy.Username = playwright.String(opts.Proxy.Username)
			launchOpts.Proxy.Password = playwright.String(opts.Proxy.Password)
		}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	headers := make(map[string]string, len(opts.ExtraHeaders)+1)
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	if opts.AcceptLanguage != "" {
		headers["Accept-Language"] = opts.AcceptLanguage
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &opts.Locale,
		TimezoneId:        &opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	}

	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	// hide the webdriver flag before any site script runs
	if err := bctx.AddInitScript(playwright.Script{
		Content: playwright.String(`Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`),
	}); err != nil {
		logger.Warn("failed to add init script", "error", err)
	}

	b := &Browser{
		pw:      pw,
		browser: browser,
		context: bctx,
		timeout: opts.Timeout,
		logger:  logger.With("component", "browser"),
	}

	if len(opts.Cookies) > 0 {
		if err := b.AddCookies(opts.Cookies); err != nil {
			b.Close()
			return nil, err
		}
	}

	return b, nil
}

func (b *Browser) NewPage() (playwright.Page, error) {
	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	if b.timeout > 0 {
		page.SetDefaultTimeout(float64(b.timeout.Milliseconds()))
	}

	return page, nil
}

func (b *Browser) Context() playwright.BrowserContext {
	return b.context
}

// AddCookies injects cookies into the session before navigation.
func (b *Browser) AddCookies(cookies []Cookie) error {
	optional := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		optional = append(optional, c.toPlaywright())
	}
	if err := b.context.AddCookies(optional); err != nil {
		return fmt.Errorf("failed to add cookies: %w", err)
	}
	b.logger.Debug("cookies injected", "count", len(cookies))
	return nil
}

func (b *Browser) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	return errors.Join(errs...)
}

// NavigateWithRetry loads url, retrying with a growing pause. A blocked page
// is returned as ErrBlocked without further retries.
func (b *Browser) NavigateWithRetry(ctx context.Context, page playwright.Page, url string, maxRetries int) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			b.logger.Info("retrying navigation", "attempt", i+1, "url", url)
			if err := sleepCtx(ctx, time.Duration(i+1)*time.Second); err != nil {
				return err
			}
		}

		_, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.navigationTimeout().Milliseconds())),
		})
		if err == nil {
			if err := b.CheckBotProtection(page); err != nil {
				return err
			}
			return nil
		}

		lastErr = err
		b.logger.Error("navigation failed", "error", err, "attempt", i+1, "url", url)
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

func (b *Browser) navigationTimeout() time.Duration {
	if b.timeout > 0 {
		return b.timeout
	}
	return 30 * time.Second
}

var blockMarkers = []string{
	"access denied",
	"please verify you are a human",
	"captcha-delivery.com",
	"geo.captcha-delivery",
	"request unsuccessful. incapsula",
	"you have been blocked",
}

// CheckBotProtection inspects the loaded page for interstitials.
func (b *Browser) CheckBotProtection(page playwright.Page) error {
	title, err := page.Title()
	if err != nil {
		return fmt.Errorf("failed to get page title: %w", err)
	}

	content, err := page.Content()
	if err != nil {
		return fmt.Errorf("failed to get page content: %w", err)
	}

	if marker, blocked := IsBlockedPage(title, content); blocked {
		b.logger.Warn("bot protection detected", "title", title, "marker", marker)
		return fmt.Errorf("%w: %s", ErrBlocked, marker)
	}
	return nil
}

// IsBlockedPage reports whether title or content looks like an
// interstitial, and which marker matched.
func IsBlockedPage(title, content string) (string, bool) {
	haystack := strings.ToLower(title + "\n" + content)
	for _, marker := range blockMarkers {
		if strings.Contains(haystack, marker) {
			return marker, true
		}
	}
	return "", false
}

// HumanizeInteraction moves the mouse and scrolls a little between actions.
func (b *Browser) HumanizeInteraction(ctx context.Context, page playwright.Page) error {
	for i := 0; i < 3; i++ {
		x := float64(100 + rand.Intn(800))
		y := float64(100 + rand.Intn(500))
		if err := page.Mouse().Move(x, y, playwright.MouseMoveOptions{Steps: playwright.Int(5)}); err != nil {
			return fmt.Errorf("mouse move: %w", err)
		}
		if err := sleepCtx(ctx, time.Duration(200+rand.Intn(300))*time.Millisecond); err != nil {
			return err
		}
	}

	if _, err := page.Evaluate(`window.scrollBy(0, Math.random() * 300)`); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return sleepCtx(ctx, time.Second)
}

// Screenshot writes a full-page PNG to path.
func (b *Browser) Screenshot(page playwright.Page, path string) error {
	if _, err := page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
	}); err != nil {
		return fmt.Errorf("screenshot %s: %w", path, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
