package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/maltedev/catalog-monitor/internal/models"
)

var (
	ErrDisabled     = errors.New("auto purchase is disabled")
	ErrPriceTooHigh = errors.New("price above purchase limit")
)

// Driver is the browser surface the checkout script needs.
type Driver interface {
	Goto(ctx context.Context, url string) error
	Fill(ctx context.Context, selectors []string, value string) (string, error)
	ClickFirst(ctx context.Context, selectors []string) (string, error)
	WaitForURLContains(ctx context.Context, fragment string, timeout time.Duration) error
	WaitForAny(ctx context.Context, selectors []string, timeout time.Duration) (string, error)
	URL() string
	Screenshot(ctx context.Context, path string) error
	Close() error
}

type DriverFactory func() (Driver, error)

type History interface {
	Append(result *models.PurchaseResult) error
}

const (
	StepPriceCheck = "price_check"
	StepBrowser    = "browser"
	StepLogin      = "login"
	StepProduct    = "product_page"
	StepAddToBag   = "add_to_bag"
	StepCheckout   = "checkout"
)

var (
	emailSelectors    = []string{"input[name='j_username']", "input[type='email']", "#email"}
	passwordSelectors = []string{"input[name='j_password']", "input[type='password']"}
	submitSelectors   = []string{"button[type='submit']", "input[type='submit']"}
	dashboardSelector = []string{".account-dashboard"}

	addToBagSelectors = []string{
		"button[data-add-to-bag]",
		"button[data-testid='add-to-bag']",
		"button[data-action='add-to-cart']",
		".add-to-cart-button",
		"button:has-text('Add to bag')",
		"button[aria-label*='Add to bag']",
	}
	addedSelectors = []string{".bag-item", ".mini-bag", "text=Added to bag"}

	checkoutSelectors = []string{
		"button[data-proceed-to-checkout]",
		"a[href*='checkout']",
		".checkout-button",
		"button:has-text('Proceed to checkout')",
	}
)

type Config struct {
	Enabled       bool
	LoginURL      string
	BagURL        string
	Email         string
	Password      string
	MaxPrice      int64
	Screenshots   bool
	ScreenshotDir string
	StepTimeout   time.Duration
}

// Purchaser scripts login, add to bag and checkout for one product. A
// successful attempt only means the checkout page was reached.
type Purchaser struct {
	cfg     Config
	open    DriverFactory
	history History
	logger  *slog.Logger
	now     func() time.Time
}

func NewPurchaser(cfg Config, open DriverFactory, history History, logger *slog.Logger) *Purchaser {
	if cfg.MaxPrice <= 0 {
		cfg.MaxPrice = 100000
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 15 * time.Second
	}
	return &Purchaser{
		cfg:     cfg,
		open:    open,
		history: history,
		logger:  logger.With("component", "purchaser"),
		now:     time.Now,
	}
}

func (p *Purchaser) Enabled() bool {
	return p.cfg.Enabled
}

// Attempt runs the checkout script and records the outcome in the history.
// The returned error is only non-nil when purchasing is disabled; step
// failures are reported in the result.
func (p *Purchaser) Attempt(ctx context.Context, product models.ProductRecord) (*models.PurchaseResult, error) {
	if !p.cfg.Enabled {
		return nil, ErrDisabled
	}

	result := models.NewPurchaseResult(product, p.now())
	defer p.record(result)

	if product.Price > p.cfg.MaxPrice {
		p.fail(result, StepPriceCheck, fmt.Errorf("%w: %d > %d", ErrPriceTooHigh, product.Price, p.cfg.MaxPrice))
		return result, nil
	}
	if product.ProductURL == "" {
		p.fail(result, StepProduct, errors.New("product has no url"))
		return result, nil
	}

	driver, err := p.open()
	if err != nil {
		p.fail(result, StepBrowser, err)
		return result, nil
	}
	defer func() {
		p.screenshot(ctx, driver, result, "purchase_final")
		if err := driver.Close(); err != nil {
			p.logger.Warn("failed to close purchase browser", "error", err)
		}
	}()

	p.logger.Info("starting purchase", "product", product.Name, "price", product.Price)

	steps := []struct {
		name string
		run  func(context.Context, Driver, *models.PurchaseResult) error
	}{
		{StepLogin, p.login},
		{StepProduct, p.openProduct},
		{StepAddToBag, p.addToBag},
		{StepCheckout, p.checkout},
	}
	for _, step := range steps {
		result.Step = step.name
		if err := step.run(ctx, driver, result); err != nil {
			p.fail(result, step.name, err)
			p.screenshot(ctx, driver, result, step.name+"_error")
			return result, nil
		}
	}

	result.Success = true
	p.logger.Info("checkout reached", "product", product.Name, "url", driver.URL())
	return result, nil
}

func (p *Purchaser) login(ctx context.Context, d Driver, result *models.PurchaseResult) error {
	if err := d.Goto(ctx, p.cfg.LoginURL); err != nil {
		return err
	}
	p.screenshot(ctx, d, result, "login_page")

	if _, err := d.Fill(ctx, emailSelectors, p.cfg.Email); err != nil {
		return fmt.Errorf("email field: %w", err)
	}
	if _, err := d.Fill(ctx, passwordSelectors, p.cfg.Password); err != nil {
		return fmt.Errorf("password field: %w", err)
	}
	if _, err := d.ClickFirst(ctx, submitSelectors); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	if err := p.waitForAccount(ctx, d); err != nil {
		p.screenshot(ctx, d, result, "login_failed")
		return fmt.Errorf("login not confirmed: %w", err)
	}
	p.screenshot(ctx, d, result, "login_success")
	return nil
}

// waitForAccount succeeds on an account URL or the dashboard element,
// whichever shows up first within the step timeout.
func (p *Purchaser) waitForAccount(ctx context.Context, d Driver) error {
	const rounds = 10
	slice := p.cfg.StepTimeout / (2 * rounds)
	for range rounds {
		if err := d.WaitForURLContains(ctx, "account", slice); err == nil {
			return nil
		}
		if _, err := d.WaitForAny(ctx, dashboardSelector, slice); err == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return errors.New("timed out waiting for account page")
}

func (p *Purchaser) openProduct(ctx context.Context, d Driver, result *models.PurchaseResult) error {
	if err := d.Goto(ctx, result.Product.ProductURL); err != nil {
		return err
	}
	p.screenshot(ctx, d, result, "product_page")
	return nil
}

func (p *Purchaser) addToBag(ctx context.Context, d Driver, result *models.PurchaseResult) error {
	selector, err := d.ClickFirst(ctx, addToBagSelectors)
	if err != nil {
		return fmt.Errorf("add to bag button: %w", err)
	}
	p.logger.Debug("clicked add to bag", "selector", selector)

	if _, err := d.WaitForAny(ctx, addedSelectors, p.cfg.StepTimeout); err != nil {
		p.screenshot(ctx, d, result, "add_to_bag_timeout")
		return fmt.Errorf("no bag confirmation: %w", err)
	}
	p.screenshot(ctx, d, result, "add_to_bag_success")
	return nil
}

func (p *Purchaser) checkout(ctx context.Context, d Driver, result *models.PurchaseResult) error {
	if err := d.Goto(ctx, p.cfg.BagURL); err != nil {
		return err
	}
	p.screenshot(ctx, d, result, "bag_page")

	if _, err := d.ClickFirst(ctx, checkoutSelectors); err != nil {
		return fmt.Errorf("checkout button: %w", err)
	}
	if err := d.WaitForURLContains(ctx, "checkout", p.cfg.StepTimeout); err != nil {
		return err
	}
	p.screenshot(ctx, d, result, "checkout_page")
	return nil
}

func (p *Purchaser) fail(result *models.PurchaseResult, step string, err error) {
	result.Step = step
	result.Error = err.Error()
	p.logger.Error("purchase step failed", "step", step, "product", result.Product.Name, "error", err)
}

func (p *Purchaser) screenshot(ctx context.Context, d Driver, result *models.PurchaseResult, name string) {
	if !p.cfg.Screenshots || p.cfg.ScreenshotDir == "" {
		return
	}
	if err := os.MkdirAll(p.cfg.ScreenshotDir, 0o755); err != nil {
		p.logger.Warn("failed to create screenshot dir", "error", err)
		return
	}

	path := filepath.Join(p.cfg.ScreenshotDir, fmt.Sprintf("%s_%s.png", name, p.now().Format("20060102_150405")))
	if err := d.Screenshot(context.WithoutCancel(ctx), path); err != nil {
		p.logger.Warn("screenshot failed", "name", name, "error", err)
		return
	}
	result.Screenshots = append(result.Screenshots, path)
}

func (p *Purchaser) record(result *models.PurchaseResult) {
	result.EndTime = p.now()
	if p.history == nil {
		return
	}
	if err := p.history.Append(result); err != nil {
		p.logger.Error("failed to save purchase record", "error", err)
	}
}
