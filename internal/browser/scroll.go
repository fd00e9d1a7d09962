package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// ScrollOptions control lazy-load scrolling of a listing page.
type ScrollOptions struct {
	MaxAttempts int
	Pause       time.Duration
}

// PassFunc receives the page HTML after each scroll pass and returns how
// many tiles it found.
type PassFunc func(html string) (int, error)

// ScrollToLoad scrolls to the bottom up to MaxAttempts times, handing the
// page to onPass after every pass. It stops early once both page height and
// tile count are unchanged between two passes.
func ScrollToLoad(ctx context.Context, page playwright.Page, opts ScrollOptions, onPass PassFunc) error {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	lastHeight, lastCount := -1, -1
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		html, err := page.Content()
		if err != nil {
			return fmt.Errorf("read page content: %w", err)
		}
		count, err := onPass(html)
		if err != nil {
			return err
		}

		height, err := pageHeight(page)
		if err != nil {
			return err
		}
		if height == lastHeight && count == lastCount {
			return nil
		}
		lastHeight, lastCount = height, count

		if attempt == opts.MaxAttempts-1 {
			break
		}
		if _, err := page.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		if err := sleepCtx(ctx, opts.Pause); err != nil {
			return err
		}
	}
	return nil
}

func pageHeight(page playwright.Page) (int, error) {
	v, err := page.Evaluate(`document.body.scrollHeight`)
	if err != nil {
		return 0, fmt.Errorf("read page height: %w", err)
	}
	switch h := v.(type) {
	case int:
		return h, nil
	case int64:
		return int(h), nil
	case float64:
		return int(h), nil
	default:
		return 0, nil
	}
}
