// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Site      SiteConfig      `mapstructure:"site"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	PortTries              int    `mapstructure:"port_tries"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the crawl engine and its request ceilings.
type CrawlerConfig struct {
	Concurrency         int    `mapstructure:"concurrency"`
	MaxBooks            int    `mapstructure:"max_books"`
	MaxChapters         int    `mapstructure:"max_chapters"`
	MaxListingPages     int    `mapstructure:"max_listing_pages"`
	MaxChapterPages     int    `mapstructure:"max_chapter_pages"`
	CrawlTimeoutSeconds int    `mapstructure:"crawl_timeout_seconds"`
	UserAgent           string `mapstructure:"user_agent"`
	RespectRobots       bool   `mapstructure:"respect_robots"`
}

// HTTPConfig configures the per-request timeout and retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int  `mapstructure:"timeout_seconds"`
	MaxAttempts      int  `mapstructure:"max_attempts"`
	BackoffInitialMs int  `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int  `mapstructure:"backoff_max_ms"`
	Jitter           bool `mapstructure:"jitter"`
}

// RateLimitConfig configures the per-host token bucket.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// SiteConfig describes the remote site.
type SiteConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	ShortCategory       string `mapstructure:"short_category"`
	BookListSelector    string `mapstructure:"book_list_selector"`
	ChapterListSelector string `mapstructure:"chapter_list_selector"`
	NextSelector        string `mapstructure:"next_selector"`
}

// StorageConfig selects the crawl run ledger backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig controls access to the relational database.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// CORSConfig lists the origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QNOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.port_tries", 1)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("crawler.concurrency", crawler.DefaultConcurrency)
	v.SetDefault("crawler.max_books", crawler.DefaultMaxBooks)
	v.SetDefault("crawler.max_chapters", crawler.DefaultMaxChapters)
	v.SetDefault("crawler.max_listing_pages", crawler.DefaultMaxListingPages)
	v.SetDefault("crawler.max_chapter_pages", crawler.DefaultMaxChapterPages)
	v.SetDefault("crawler.crawl_timeout_seconds", int(crawler.DefaultCrawlTimeout/time.Second))
	v.SetDefault("crawler.user_agent", "qnote-crawler/1.0")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_attempts", crawler.DefaultMaxAttempts)
	v.SetDefault("http.backoff_initial_ms", int(crawler.DefaultBaseDelay/time.Millisecond))
	v.SetDefault("http.backoff_max_ms", int(crawler.DefaultMaxDelay/time.Millisecond))
	v.SetDefault("http.jitter", true)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.rps", 4.0)
	v.SetDefault("ratelimit.burst", 2)
	v.SetDefault("site.base_url", "https://qnote.qq.com")
	v.SetDefault("site.short_category", "30125")
	v.SetDefault("site.book_list_selector", ".book-list")
	v.SetDefault("site.chapter_list_selector", ".chapter-list")
	v.SetDefault("site.next_selector", `a[rel="next"], .pagination a.next`)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "crawl_runs")
	v.SetDefault("database.max_conns", 0)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "0s")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.PortTries <= 0 {
		return fmt.Errorf("server.port_tries must be > 0")
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("server.shutdown_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxBooks <= 0 {
		return fmt.Errorf("crawler.max_books must be > 0")
	}
	if c.Crawler.MaxChapters <= 0 {
		return fmt.Errorf("crawler.max_chapters must be > 0")
	}
	if c.Crawler.MaxListingPages <= 0 {
		return fmt.Errorf("crawler.max_listing_pages must be > 0")
	}
	if c.Crawler.MaxChapterPages <= 0 {
		return fmt.Errorf("crawler.max_chapter_pages must be > 0")
	}
	if c.Crawler.CrawlTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.crawl_timeout_seconds must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	if c.HTTP.BackoffInitialMs < 0 {
		return fmt.Errorf("http.backoff_initial_ms must be >= 0")
	}
	if c.HTTP.BackoffMaxMs < c.HTTP.BackoffInitialMs {
		return fmt.Errorf("http.backoff_max_ms must be >= http.backoff_initial_ms")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be > 0 when rate limiting is enabled")
	}
	if err := validateBaseURL(c.Site.BaseURL); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Storage.Backend)
	}
	return nil
}

func validateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("site.base_url must be set")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("site.base_url must be an absolute URL, got %q", raw)
	}
	return nil
}

// EngineConfig converts the crawler section into engine settings.
func (c Config) EngineConfig() crawler.Config {
	return crawler.Config{
		Concurrency:     c.Crawler.Concurrency,
		MaxBooks:        c.Crawler.MaxBooks,
		MaxChapters:     c.Crawler.MaxChapters,
		MaxListingPages: c.Crawler.MaxListingPages,
		MaxChapterPages: c.Crawler.MaxChapterPages,
		CrawlTimeout:    time.Duration(c.Crawler.CrawlTimeoutSeconds) * time.Second,
	}
}

// RetryPolicy converts the HTTP section into a retry policy.
func (c Config) RetryPolicy() crawler.RetryPolicy {
	return crawler.RetryPolicy{
		MaxAttempts: c.HTTP.MaxAttempts,
		BaseDelay:   time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond,
		Jitter:      c.HTTP.Jitter,
	}
}

// RequestTimeout is the per-attempt fetch timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
