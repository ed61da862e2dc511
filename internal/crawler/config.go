package crawler

import (
	"fmt"
	"time"
)

// Default engine limits.
const (
	DefaultConcurrency     = 4
	DefaultMaxBooks        = 50
	DefaultMaxChapters     = 200
	DefaultMaxListingPages = 20
	DefaultMaxChapterPages = 50
	DefaultCrawlTimeout    = 2 * time.Minute
)

// Config holds the settings for the crawl engine.
// This struct is decoupled from Viper so the engine can be tested on its own.
type Config struct {
	// Concurrency is the maximum number of chapter tasks in flight.
	Concurrency int
	// MaxBooks and MaxChapters are the ceilings a request may ask for.
	MaxBooks    int
	MaxChapters int
	// MaxListingPages and MaxChapterPages bound pagination even when the
	// remote keeps reporting a next page.
	MaxListingPages int
	MaxChapterPages int
	// CrawlTimeout bounds a whole crawl; zero means only the caller's deadline applies.
	CrawlTimeout time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     DefaultConcurrency,
		MaxBooks:        DefaultMaxBooks,
		MaxChapters:     DefaultMaxChapters,
		MaxListingPages: DefaultMaxListingPages,
		MaxChapterPages: DefaultMaxChapterPages,
		CrawlTimeout:    DefaultCrawlTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.MaxBooks <= 0 {
		c.MaxBooks = def.MaxBooks
	}
	if c.MaxChapters <= 0 {
		c.MaxChapters = def.MaxChapters
	}
	if c.MaxListingPages <= 0 {
		c.MaxListingPages = def.MaxListingPages
	}
	if c.MaxChapterPages <= 0 {
		c.MaxChapterPages = def.MaxChapterPages
	}
	if c.CrawlTimeout < 0 {
		c.CrawlTimeout = 0
	}
	return c
}

// Validate checks a request against the configured ceilings.
func (c Config) Validate(req CrawlRequest) error {
	c = c.withDefaults()
	if req.NumBooks < 0 || req.NumBooks > c.MaxBooks {
		return fmt.Errorf("%w: num_books must be between 0 and %d, got %d", ErrRequestOutOfRange, c.MaxBooks, req.NumBooks)
	}
	if req.NumChapters < 0 || req.NumChapters > c.MaxChapters {
		return fmt.Errorf("%w: num_chapters must be between 0 and %d, got %d", ErrRequestOutOfRange, c.MaxChapters, req.NumChapters)
	}
	return nil
}
