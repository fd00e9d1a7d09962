package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

// ErrNoElement is returned when none of the given selectors is visible.
var ErrNoElement = errors.New("no matching element")

const pollInterval = 250 * time.Millisecond

// PageDriver scripts a single page of its own session. Closing the driver
// tears the whole session down.
type PageDriver struct {
	browser *Browser
	page    playwright.Page
}

// OpenDriver starts a session with one page.
func OpenDriver(opts *Options) (*PageDriver, error) {
	b, err := New(opts)
	if err != nil {
		return nil, err
	}
	page, err := b.NewPage()
	if err != nil {
		b.Close()
		return nil, err
	}
	return &PageDriver{browser: b, page: page}, nil
}

func (d *PageDriver) Goto(ctx context.Context, url string) error {
	return d.browser.NavigateWithRetry(ctx, d.page, url, 2)
}

// Fill types value into the first visible selector and returns it.
func (d *PageDriver) Fill(ctx context.Context, selectors []string, value string) (string, error) {
	loc, selector, err := d.firstVisible(selectors)
	if err != nil {
		return "", err
	}
	if err := loc.Fill(value); err != nil {
		return selector, fmt.Errorf("fill %s: %w", selector, err)
	}
	return selector, nil
}

// ClickFirst clicks the first visible selector and returns it.
func (d *PageDriver) ClickFirst(ctx context.Context, selectors []string) (string, error) {
	loc, selector, err := d.firstVisible(selectors)
	if err != nil {
		return "", err
	}
	if err := loc.Click(); err != nil {
		return selector, fmt.Errorf("click %s: %w", selector, err)
	}
	return selector, nil
}

func (d *PageDriver) WaitForURLContains(ctx context.Context, fragment string, timeout time.Duration) error {
	return poll(ctx, timeout, func() bool {
		return strings.Contains(d.page.URL(), fragment)
	}, fmt.Errorf("url never contained %q", fragment))
}

// WaitForAny waits until one of selectors is visible and returns it.
func (d *PageDriver) WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (string, error) {
	var found string
	err := poll(ctx, timeout, func() bool {
		if _, selector, err := d.firstVisible(selectors); err == nil {
			found = selector
			return true
		}
		return false
	}, fmt.Errorf("%w: %s", ErrNoElement, strings.Join(selectors, ", ")))
	return found, err
}

func (d *PageDriver) URL() string {
	return d.page.URL()
}

func (d *PageDriver) Screenshot(ctx context.Context, path string) error {
	return d.browser.Screenshot(d.page, path)
}

func (d *PageDriver) Close() error {
	return d.browser.Close()
}

func (d *PageDriver) firstVisible(selectors []string) (playwright.Locator, string, error) {
	for _, selector := range selectors {
		loc := d.page.Locator(selector).First()
		count, err := loc.Count()
		if err != nil || count == 0 {
			continue
		}
		if visible, err := loc.IsVisible(); err == nil && visible {
			return loc, selector, nil
		}
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNoElement, strings.Join(selectors, ", "))
}

func poll(ctx context.Context, timeout time.Duration, done func() bool, timeoutErr error) error {
	deadline := time.Now().Add(timeout)
	for {
		if done() {
			return nil
		}
		if time.Now().After(deadline) {
			return timeoutErr
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return err
		}
	}
}
