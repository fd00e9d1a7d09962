package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/maltedev/catalog-monitor/internal/models"
)

type Config struct {
	Monitoring MonitoringConfig `json:"monitoring"`
	Scraper    ScraperConfig    `json:"scraper"`
	Browser    BrowserConfig    `json:"browser"`
	Watchlist  WatchlistConfig  `json:"watchlist"`
	Email      EmailConfig      `json:"email"`
	Telegram   TelegramConfig   `json:"telegram"`
	Storage    StorageConfig    `json:"storage"`
	Purchase   PurchaseConfig   `json:"purchase"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
}

type MonitoringConfig struct {
	URLs                 []string `json:"urls"`
	BaseURL              string   `json:"base_url"`
	CheckIntervalMinutes int      `json:"check_interval_minutes"`
	ErrorBackoffMinutes  int      `json:"error_backoff_minutes"`
	DefaultCurrency      string   `json:"default_currency"`
	SKUPattern           string   `json:"sku_pattern"`
	IdentityStrategy     string   `json:"identity_strategy"`
}

func (m MonitoringConfig) Interval() time.Duration {
	return time.Duration(m.CheckIntervalMinutes) * time.Minute
}

func (m MonitoringConfig) ErrorBackoff() time.Duration {
	return time.Duration(m.ErrorBackoffMinutes) * time.Minute
}

type ScraperConfig struct {
	// Source is "browser" for rendered listing pages or "api" for a JSON
	// catalog endpoint.
	Source         string   `json:"source"`
	APIURL         string   `json:"api_url"`
	ScrollAttempts int      `json:"scroll_attempts"`
	ScrollPauseMS  int      `json:"scroll_pause_ms"`
	RateLimitMinMS int      `json:"rate_limit_min_ms"`
	RateLimitMaxMS int      `json:"rate_limit_max_ms"`
	MaxRetries     int      `json:"max_retries"`
	RetryDelayMS   int      `json:"retry_delay_ms"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	UserAgents     []string `json:"user_agents"`
	Proxies        []string `json:"proxies"`
	ProxyPoolURL   string   `json:"proxy_pool_url"`
	CookiesFile    string   `json:"cookies_file"`
}

func (s ScraperConfig) RateLimitMin() time.Duration {
	return time.Duration(s.RateLimitMinMS) * time.Millisecond
}

func (s ScraperConfig) RateLimitMax() time.Duration {
	return time.Duration(s.RateLimitMaxMS) * time.Millisecond
}

func (s ScraperConfig) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMS) * time.Millisecond
}

func (s ScraperConfig) ScrollPause() time.Duration {
	return time.Duration(s.ScrollPauseMS) * time.Millisecond
}

func (s ScraperConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type BrowserConfig struct {
	Headless       bool   `json:"headless"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	AcceptLanguage string `json:"accept_language"`
	TimezoneID     string `json:"timezone_id"`
	Locale         string `json:"locale"`
	Humanize       bool   `json:"humanize"`
}

func (b BrowserConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

type WatchlistConfig struct {
	Products []models.WatchRule `json:"products"`
}

type EmailConfig struct {
	Enabled         bool     `json:"enabled"`
	SMTPServer      string   `json:"smtp_server"`
	SMTPPort        int      `json:"smtp_port"`
	SenderEmail     string   `json:"sender_email"`
	SenderPassword  string   `json:"sender_password"`
	RecipientEmails []string `json:"recipient_emails"`
	SubjectPrefix   string   `json:"subject_prefix"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
}

type StorageConfig struct {
	LastProductsFile    string `json:"last_products_file"`
	LogFile             string `json:"log_file"`
	ResultDir           string `json:"result_dir"`
	ScreenshotDir       string `json:"screenshot_dir"`
	PurchaseHistoryFile string `json:"purchase_history_file"`
}

type PurchaseConfig struct {
	Enabled          bool             `json:"enabled"`
	LoginURL         string           `json:"login_url"`
	BagURL           string           `json:"bag_url"`
	LoginCredentials LoginCredentials `json:"login_credentials"`
	PurchaseSettings PurchaseSettings `json:"purchase_settings"`
}

type LoginCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type PurchaseSettings struct {
	MaxPrice int64 `json:"max_price"`
	// nil means true; a pointer so a file can switch it off.
	TakeScreenshots *bool `json:"take_screenshots"`
}

func (p PurchaseSettings) Screenshots() bool {
	return p.TakeScreenshots == nil || *p.TakeScreenshots
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int32  `json:"max_conns"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
}

type ServerConfig struct {
	Addr                   string `json:"addr"`
	ReadTimeoutSeconds     int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `json:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds"`
}

func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Monitoring: MonitoringConfig{
			URLs:                 []string{"https://www.hermes.com/hk/en/category/women/bags-and-small-leather-goods/bags-and-clutches/"},
			BaseURL:              "https://www.hermes.com",
			CheckIntervalMinutes: 1,
			ErrorBackoffMinutes:  5,
			DefaultCurrency:      "HKD",
			IdentityStrategy:     "name_price",
		},
		Scraper: ScraperConfig{
			Source:         "browser",
			ScrollAttempts: 8,
			ScrollPauseMS:  2000,
			RateLimitMinMS: 2000,
			RateLimitMaxMS: 5000,
			MaxRetries:     3,
			RetryDelayMS:   5000,
			TimeoutSeconds: 30,
			UserAgents:     defaultUserAgents(),
			Proxies:        []string{},
		},
		Browser: BrowserConfig{
			Headless:       true,
			TimeoutSeconds: 30,
			ViewportWidth:  1920,
			ViewportHeight: 1080,
			AcceptLanguage: "en-HK,en;q=0.9,zh-HK;q=0.8",
			TimezoneID:     "Asia/Hong_Kong",
			Locale:         "en-HK",
			Humanize:       true,
		},
		Watchlist: WatchlistConfig{Products: []models.WatchRule{}},
		Email: EmailConfig{
			SMTPServer:    "smtp.gmail.com",
			SMTPPort:      465,
			SubjectPrefix: "[Hermes Monitor]",
		},
		Storage: StorageConfig{
			LastProductsFile:    "result/last_products.json",
			ResultDir:           "result",
			ScreenshotDir:       "result/screenshots",
			PurchaseHistoryFile: "result/purchase_history.json",
		},
		Purchase: PurchaseConfig{
			LoginURL: "https://www.hermes.com/hk/en/login/",
			BagURL:   "https://www.hermes.com/hk/en/bag/",
			PurchaseSettings: PurchaseSettings{
				MaxPrice: 100000,
			},
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			DBName:   "catalog_monitor",
			SSLMode:  "disable",
			MaxConns: 5,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Stream: "stream:catalog_changes",
		},
		Server: ServerConfig{
			ReadTimeoutSeconds:     30,
			WriteTimeoutSeconds:    30,
			ShutdownTimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the JSON5 file at path and
// its .local override, then the environment (a .env file is read first when
// present). An empty path skips the file layers.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	m := &cfg.Monitoring
	m.URLs = getStringSliceOrDefault("MONITOR_URLS", m.URLs)
	m.BaseURL = getEnvOrDefault("MONITOR_BASE_URL", m.BaseURL)
	m.CheckIntervalMinutes = getIntOrDefault("MONITOR_CHECK_INTERVAL_MINUTES", m.CheckIntervalMinutes)
	m.ErrorBackoffMinutes = getIntOrDefault("MONITOR_ERROR_BACKOFF_MINUTES", m.ErrorBackoffMinutes)
	m.DefaultCurrency = getEnvOrDefault("MONITOR_DEFAULT_CURRENCY", m.DefaultCurrency)
	m.IdentityStrategy = getEnvOrDefault("MONITOR_IDENTITY_STRATEGY", m.IdentityStrategy)

	s := &cfg.Scraper
	s.Source = getEnvOrDefault("SCRAPER_SOURCE", s.Source)
	s.APIURL = getEnvOrDefault("SCRAPER_API_URL", s.APIURL)
	s.ScrollAttempts = getIntOrDefault("SCRAPER_SCROLL_ATTEMPTS", s.ScrollAttempts)
	s.MaxRetries = getIntOrDefault("SCRAPER_MAX_RETRIES", s.MaxRetries)
	s.Proxies = getStringSliceOrDefault("SCRAPER_PROXIES", s.Proxies)
	s.ProxyPoolURL = getEnvOrDefault("SCRAPER_PROXY_POOL_URL", s.ProxyPoolURL)
	s.CookiesFile = getEnvOrDefault("SCRAPER_COOKIES_FILE", s.CookiesFile)
	s.UserAgents = getStringSliceOrDefault("SCRAPER_USER_AGENTS", s.UserAgents)

	b := &cfg.Browser
	b.Headless = getBoolOrDefault("BROWSER_HEADLESS", b.Headless)
	b.TimeoutSeconds = int(getDurationOrDefault("BROWSER_TIMEOUT", b.Timeout()) / time.Second)
	b.Humanize = getBoolOrDefault("BROWSER_HUMANIZE", b.Humanize)

	e := &cfg.Email
	e.Enabled = getBoolOrDefault("EMAIL_ENABLED", e.Enabled)
	e.SMTPServer = getEnvOrDefault("SMTP_SERVER", e.SMTPServer)
	e.SMTPPort = getIntOrDefault("SMTP_PORT", e.SMTPPort)
	e.SenderEmail = getEnvOrDefault("SMTP_SENDER_EMAIL", e.SenderEmail)
	e.SenderPassword = getEnvOrDefault("SMTP_SENDER_PASSWORD", e.SenderPassword)
	e.RecipientEmails = getStringSliceOrDefault("SMTP_RECIPIENT_EMAILS", e.RecipientEmails)

	tg := &cfg.Telegram
	tg.Enabled = getBoolOrDefault("TELEGRAM_ENABLED", tg.Enabled)
	tg.Token = getEnvOrDefault("TELEGRAM_TOKEN", tg.Token)
	tg.ChatID = int64(getIntOrDefault("TELEGRAM_CHAT_ID", int(tg.ChatID)))

	st := &cfg.Storage
	st.LastProductsFile = getEnvOrDefault("STORAGE_LAST_PRODUCTS_FILE", st.LastProductsFile)
	st.LogFile = getEnvOrDefault("STORAGE_LOG_FILE", st.LogFile)
	st.ResultDir = getEnvOrDefault("STORAGE_RESULT_DIR", st.ResultDir)

	p := &cfg.Purchase
	p.Enabled = getBoolOrDefault("PURCHASE_ENABLED", p.Enabled)
	p.LoginCredentials.Email = getEnvOrDefault("PURCHASE_EMAIL", p.LoginCredentials.Email)
	p.LoginCredentials.Password = getEnvOrDefault("PURCHASE_PASSWORD", p.LoginCredentials.Password)

	d := &cfg.Database
	d.Enabled = getBoolOrDefault("DB_ENABLED", d.Enabled)
	d.Host = getEnvOrDefault("DB_HOST", d.Host)
	d.Port = getIntOrDefault("DB_PORT", d.Port)
	d.User = getEnvOrDefault("DB_USER", d.User)
	d.Password = getEnvOrDefault("DB_PASSWORD", d.Password)
	d.DBName = getEnvOrDefault("DB_NAME", d.DBName)
	d.SSLMode = getEnvOrDefault("DB_SSL_MODE", d.SSLMode)

	r := &cfg.Redis
	r.Enabled = getBoolOrDefault("REDIS_ENABLED", r.Enabled)
	r.Addr = getEnvOrDefault("REDIS_ADDR", r.Addr)
	r.Password = getEnvOrDefault("REDIS_PASSWORD", r.Password)

	cfg.Server.Addr = getEnvOrDefault("SERVER_ADDR", cfg.Server.Addr)

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", cfg.Logging.Format)
}

func (c *Config) Validate() error {
	if c.Monitoring.CheckIntervalMinutes < 1 {
		return fmt.Errorf("monitoring.check_interval_minutes must be at least 1")
	}

	if c.Monitoring.ErrorBackoff() <= c.Monitoring.Interval() {
		return fmt.Errorf("monitoring.error_backoff_minutes must be greater than check_interval_minutes")
	}

	switch c.Scraper.Source {
	case "browser":
		if len(c.Monitoring.URLs) == 0 {
			return fmt.Errorf("monitoring.urls must not be empty")
		}
	case "api":
		if c.Scraper.APIURL == "" {
			return fmt.Errorf("scraper.api_url is required for the api source")
		}
	default:
		return fmt.Errorf("unknown scraper.source %q", c.Scraper.Source)
	}

	if c.Monitoring.BaseURL != "" {
		if u, err := url.Parse(c.Monitoring.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("monitoring.base_url must be an absolute URL")
		}
	}

	if c.Scraper.RateLimitMinMS > c.Scraper.RateLimitMaxMS {
		return fmt.Errorf("scraper.rate_limit_min_ms cannot be greater than scraper.rate_limit_max_ms")
	}

	for i, rule := range c.Watchlist.Products {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("watchlist.products[%d]: %w", i, err)
		}
	}

	if c.Email.Enabled {
		if c.Email.SMTPServer == "" || c.Email.SenderEmail == "" {
			return fmt.Errorf("email.smtp_server and email.sender_email are required when email is enabled")
		}
		if len(c.Email.RecipientEmails) == 0 {
			return fmt.Errorf("email.recipient_emails must not be empty when email is enabled")
		}
	}

	if c.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		return fmt.Errorf("telegram.token and telegram.chat_id are required when telegram is enabled")
	}

	if c.Purchase.Enabled && c.Purchase.PurchaseSettings.MaxPrice <= 0 {
		return fmt.Errorf("purchase.purchase_settings.max_price must be positive")
	}

	if c.Storage.LastProductsFile == "" || c.Storage.ResultDir == "" {
		return fmt.Errorf("storage.last_products_file and storage.result_dir are required")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func defaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	}
}
