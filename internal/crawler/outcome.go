package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OutcomeKind tags a FetchOutcome.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomeTerminal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// FetchOutcome is the result of a single fetch (or of a retried fetch).
// Body is only set on success; RetryAfter only on retryable 429 responses.
type FetchOutcome struct {
	Kind       OutcomeKind
	URL        string
	Body       []byte
	StatusCode int
	RetryAfter time.Duration
	Reason     string
	Err        error
}

// Success builds a successful outcome.
func Success(url string, status int, body []byte) FetchOutcome {
	return FetchOutcome{Kind: OutcomeSuccess, URL: url, StatusCode: status, Body: body}
}

// Retryable builds a retryable failure.
func Retryable(url string, status int, reason string, cause error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeRetryable, URL: url, StatusCode: status, Reason: reason, Err: cause}
}

// Terminal builds a terminal failure.
func Terminal(url string, status int, reason string, cause error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeTerminal, URL: url, StatusCode: status, Reason: reason, Err: cause}
}

// OK reports whether the fetch succeeded.
func (o FetchOutcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// Error returns nil on success and a *FetchError otherwise.
func (o FetchOutcome) Error() error {
	if o.OK() {
		return nil
	}
	return &FetchError{
		Kind:       o.Kind,
		URL:        o.URL,
		StatusCode: o.StatusCode,
		Reason:     o.Reason,
		Cause:      o.Err,
	}
}

// Interrupt builds the terminal outcome for a fetch cut short by its context.
// A canceled context reads as a cancellation, anything else as the deadline.
func Interrupt(url string, cause error) FetchOutcome {
	if errors.Is(cause, context.Canceled) {
		return Terminal(url, 0, "crawl canceled", fmt.Errorf("%w: %w", ErrCanceled, cause))
	}
	return Terminal(url, 0, "crawl deadline exceeded", fmt.Errorf("%w: %w", ErrDeadlineExceeded, cause))
}

// DeadlineExceeded reports whether the failure was caused by the crawl deadline.
func (o FetchOutcome) DeadlineExceeded() bool {
	return errors.Is(o.Err, ErrDeadlineExceeded)
}

// Canceled reports whether the caller abandoned the crawl.
func (o FetchOutcome) Canceled() bool {
	return errors.Is(o.Err, ErrCanceled)
}

// Interrupted reports whether the crawl's context, not the remote site, ended the fetch.
func (o FetchOutcome) Interrupted() bool {
	return o.DeadlineExceeded() || o.Canceled()
}
