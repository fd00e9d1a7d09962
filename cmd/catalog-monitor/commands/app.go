package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/catalog-monitor/internal/api"
	"github.com/maltedev/catalog-monitor/internal/browser"
	"github.com/maltedev/catalog-monitor/internal/catalog"
	"github.com/maltedev/catalog-monitor/internal/config"
	"github.com/maltedev/catalog-monitor/internal/database"
	"github.com/maltedev/catalog-monitor/internal/events"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/monitor"
	"github.com/maltedev/catalog-monitor/internal/normalizer"
	"github.com/maltedev/catalog-monitor/internal/notify"
	"github.com/maltedev/catalog-monitor/internal/parser"
	"github.com/maltedev/catalog-monitor/internal/proxy"
	"github.com/maltedev/catalog-monitor/internal/purchase"
	"github.com/maltedev/catalog-monitor/internal/ratelimit"
	"github.com/maltedev/catalog-monitor/internal/scraper"
	"github.com/maltedev/catalog-monitor/internal/storage"
)

// app holds everything the monitor command wires together.
type app struct {
	monitor *monitor.Monitor
	reports *storage.ReportStore
	db      *database.DB
	outbox  *database.OutboxRepository
	redis   *redis.Client
	relay   *database.Relay
	logger  *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		reports: storage.NewReportStore(cfg.Storage.ResultDir),
		logger:  logger,
	}

	source, err := newSource(cfg, logger)
	if err != nil {
		return nil, err
	}

	norm, err := normalizer.New(normalizer.Options{
		BaseURL:         cfg.Monitoring.BaseURL,
		DefaultCurrency: cfg.Monitoring.DefaultCurrency,
		SKUPattern:      cfg.Monitoring.SKUPattern,
	})
	if err != nil {
		return nil, fmt.Errorf("normalizer: %w", err)
	}

	strategy, err := catalog.StrategyByName(cfg.Monitoring.IdentityStrategy)
	if err != nil {
		return nil, err
	}
	differ := catalog.NewDiffer(strategy)

	watchlist, err := catalog.NewWatchlist(cfg.Watchlist.Products)
	if err != nil {
		return nil, fmt.Errorf("watchlist: %w", err)
	}

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	sinks := []monitor.ReportSink{a.reports}
	if cfg.Database.Enabled {
		if err := a.openDatabase(ctx, cfg); err != nil {
			a.Close()
			return nil, err
		}
		key := func(p models.ProductRecord) string { return string(differ.Key(p)) }
		sinks = append(sinks, events.NewPublisher(a.db, key, cfg.Redis.Stream, logger))
	}
	if cfg.Redis.Enabled {
		if err := a.openRedis(ctx, cfg); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.monitor, err = monitor.New(monitor.Deps{
		Source:     source,
		Normalizer: norm,
		Differ:     differ,
		Watchlist:  watchlist,
		Snapshots:  storage.NewSnapshotStore(cfg.Storage.LastProductsFile),
		Notifier:   notifier,
		Sinks:      sinks,
		Purchaser:  newPurchaser(cfg, logger),
	}, monitor.Options{
		Interval:     cfg.Monitoring.Interval(),
		ErrorBackoff: cfg.Monitoring.ErrorBackoff(),
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openDatabase(ctx context.Context, cfg *config.Config) error {
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.db = db

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.outbox = database.NewOutboxRepository(db)
	a.logger.Info("connected to database", "host", cfg.Database.Host, "db", cfg.Database.DBName)
	return nil
}

func (a *app) openRedis(ctx context.Context, cfg *config.Config) error {
	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.logger.Info("connected to redis", "addr", cfg.Redis.Addr)

	if a.db == nil {
		a.logger.Warn("redis is enabled without a database; no events will be relayed")
		return nil
	}
	a.relay = database.NewRelay(a.db, a.redis, a.logger, database.RelayConfig{})
	return nil
}

// outboxStats avoids handing the API a typed nil.
func (a *app) outboxStats() api.OutboxStats {
	if a.outbox == nil {
		return nil
	}
	return a.outbox
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}

func browserOptions(cfg *config.Config, cookies []browser.Cookie) browser.Options {
	opts := *browser.DefaultOptions()
	opts.Headless = cfg.Browser.Headless
	if t := cfg.Browser.Timeout(); t > 0 {
		opts.Timeout = t
	}
	if cfg.Browser.ViewportWidth > 0 && cfg.Browser.ViewportHeight > 0 {
		opts.ViewportWidth = cfg.Browser.ViewportWidth
		opts.ViewportHeight = cfg.Browser.ViewportHeight
	}
	if cfg.Browser.AcceptLanguage != "" {
		opts.AcceptLanguage = cfg.Browser.AcceptLanguage
	}
	if cfg.Browser.TimezoneID != "" {
		opts.TimezoneID = cfg.Browser.TimezoneID
	}
	if cfg.Browser.Locale != "" {
		opts.Locale = cfg.Browser.Locale
	}
	opts.Cookies = cookies
	return opts
}

func newProxyPool(cfg *config.Config) (proxy.Pool, error) {
	switch {
	case cfg.Scraper.ProxyPoolURL != "":
		pool, err := proxy.NewServicePool(cfg.Scraper.ProxyPoolURL)
		if err != nil {
			return nil, fmt.Errorf("proxy pool: %w", err)
		}
		return pool, nil
	case len(cfg.Scraper.Proxies) > 0:
		return proxy.NewStaticPool(cfg.Scraper.Proxies), nil
	default:
		return nil, nil
	}
}

func newSource(cfg *config.Config, logger *slog.Logger) (scraper.Source, error) {
	var cookies []browser.Cookie
	if cfg.Scraper.CookiesFile != "" {
		var err error
		cookies, err = browser.LoadCookies(cfg.Scraper.CookiesFile)
		if err != nil {
			return nil, fmt.Errorf("load cookies: %w", err)
		}
	}

	pool, err := newProxyPool(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Scraper.Source == "api" {
		userAgent := ""
		if len(cfg.Scraper.UserAgents) > 0 {
			userAgent = cfg.Scraper.UserAgents[0]
		}
		return scraper.NewCatalogAPIScraper(scraper.APIOptions{
			URL:        cfg.Scraper.APIURL,
			UserAgent:  userAgent,
			Timeout:    cfg.Scraper.Timeout(),
			MaxRetries: cfg.Scraper.MaxRetries,
			RetryDelay: cfg.Scraper.RetryDelay(),
			Cookies:    cookies,
		}, pool, logger)
	}

	return scraper.NewListingScraper(scraper.ListingOptions{
		URLs:    cfg.Monitoring.URLs,
		Browser: browserOptions(cfg, cookies),
		Scroll: browser.ScrollOptions{
			MaxAttempts: cfg.Scraper.ScrollAttempts,
			Pause:       cfg.Scraper.ScrollPause(),
		},
		MaxRetries: cfg.Scraper.MaxRetries,
		Humanize:   cfg.Browser.Humanize,
		UserAgents: cfg.Scraper.UserAgents,
	},
		parser.NewListingParser(parser.DefaultSelectors()),
		pool,
		ratelimit.NewAdaptiveLimiter(cfg.Scraper.RateLimitMin(), cfg.Scraper.RateLimitMax()),
		logger,
	), nil
}

func newNotifier(cfg *config.Config, logger *slog.Logger) (notify.Notifier, error) {
	var notifiers notify.Multi

	if cfg.Email.Enabled {
		notifiers = append(notifiers, notify.NewEmailNotifier(notify.EmailConfig{
			SMTPServer:     cfg.Email.SMTPServer,
			SMTPPort:       cfg.Email.SMTPPort,
			SenderEmail:    cfg.Email.SenderEmail,
			SenderPassword: cfg.Email.SenderPassword,
			Recipients:     cfg.Email.RecipientEmails,
			SubjectPrefix:  cfg.Email.SubjectPrefix,
			ReportDir:      cfg.Storage.ResultDir,
		}, logger))
	}

	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Email.SubjectPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		notifiers = append(notifiers, tg)
	}

	if len(notifiers) == 0 {
		logger.Warn("no notifier enabled; changes will only be logged and saved")
		return nil, nil
	}
	return notifiers, nil
}

func newPurchaser(cfg *config.Config, logger *slog.Logger) *purchase.Purchaser {
	opts := browserOptions(cfg, nil)
	opts.Logger = logger

	open := func() (purchase.Driver, error) {
		session := opts
		return browser.OpenDriver(&session)
	}

	return purchase.NewPurchaser(purchase.Config{
		Enabled:       cfg.Purchase.Enabled,
		LoginURL:      cfg.Purchase.LoginURL,
		BagURL:        cfg.Purchase.BagURL,
		Email:         cfg.Purchase.LoginCredentials.Email,
		Password:      cfg.Purchase.LoginCredentials.Password,
		MaxPrice:      cfg.Purchase.PurchaseSettings.MaxPrice,
		Screenshots:   cfg.Purchase.PurchaseSettings.Screenshots(),
		ScreenshotDir: cfg.Storage.ScreenshotDir,
		StepTimeout:   15 * time.Second,
	}, open, storage.NewPurchaseHistory(cfg.Storage.PurchaseHistoryFile), logger)
}
