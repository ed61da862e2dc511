package crawler

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the crawling engine.
var (
	// ErrMalformedPage means a page did not have the expected listing structure.
	ErrMalformedPage = errors.New("malformed page")
	// ErrRetryableFailure marks transient fetch failures (timeouts, 5xx, 429).
	ErrRetryableFailure = errors.New("retryable fetch failure")
	// ErrTerminalFailure marks fetch failures that retrying will not fix.
	ErrTerminalFailure = errors.New("terminal fetch failure")
	// ErrDeadlineExceeded means the crawl deadline expired.
	ErrDeadlineExceeded = errors.New("crawl deadline exceeded")
	// ErrCanceled means the caller abandoned the crawl.
	ErrCanceled = errors.New("crawl canceled")
	// ErrRequestOutOfRange means the caller asked for more than the configured ceiling.
	ErrRequestOutOfRange = errors.New("request out of range")
)

// FetchError describes a failed FetchOutcome. It matches ErrRetryableFailure or
// ErrTerminalFailure with errors.Is, and unwraps to the underlying cause.
type FetchError struct {
	Kind       OutcomeKind
	URL        string
	StatusCode int
	Reason     string
	Cause      error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: fetch %s: status %d: %s", e.Kind, e.URL, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("%s: fetch %s: %s", e.Kind, e.URL, e.Reason)
}

// Is matches the sentinel for the failure kind.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrRetryableFailure:
		return e.Kind == OutcomeRetryable
	case ErrTerminalFailure:
		return e.Kind == OutcomeTerminal
	default:
		return false
	}
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}
