package crawler

import (
	"context"
	"time"
)

// Fetcher performs a single GET and never returns a failure any other way
// than through the outcome.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) FetchOutcome
}

// PageFetcher fetches a URL with whatever retry behavior it implements.
type PageFetcher interface {
	FetchWithRetry(ctx context.Context, url string) FetchOutcome
}

// Throttle delays requests to respect the remote site's rate limits.
type Throttle interface {
	Wait(ctx context.Context, url string) error
}

// Parser turns raw listing pages into refs. Implementations must be pure.
type Parser interface {
	ParseBookListing(body []byte, page int) (BookPage, error)
	ParseChapterListing(body []byte, book BookRef, page int) (ChapterPage, error)
}

// Layout builds the remote URLs for listing pages. Pages are 1-based.
type Layout interface {
	BookListingURL(request CrawlRequest, page int) string
	ChapterListingURL(book BookRef, page int) string
}

// Observer receives engine instrumentation. All methods must be cheap and
// safe for concurrent use.
type Observer interface {
	FetchAttempt(outcome FetchOutcome)
	Retry(url string, delay time.Duration)
	TaskStarted()
	TaskFinished()
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

type nopObserver struct{}

func (nopObserver) FetchAttempt(FetchOutcome)    {}
func (nopObserver) Retry(string, time.Duration) {}
func (nopObserver) TaskStarted()                {}
func (nopObserver) TaskFinished()               {}
