package metrics

import (
	"time"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
)

var _ crawler.Observer = CrawlObserver{}

// CrawlObserver forwards engine instrumentation to the package collectors.
type CrawlObserver struct{}

// FetchAttempt implements crawler.Observer.
func (CrawlObserver) FetchAttempt(outcome crawler.FetchOutcome) {
	ObserveFetch(outcome.URL, outcome.Kind.String(), len(outcome.Body))
}

// Retry implements crawler.Observer.
func (CrawlObserver) Retry(url string, delay time.Duration) {
	ObserveRetry(url, delay)
}

// TaskStarted implements crawler.Observer.
func (CrawlObserver) TaskStarted() {
	IncInflightTasks()
}

// TaskFinished implements crawler.Observer.
func (CrawlObserver) TaskFinished() {
	DecInflightTasks()
}
