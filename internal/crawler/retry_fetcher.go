package crawler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetryingFetcher wraps a Fetcher with bounded retry and backoff.
type RetryingFetcher struct {
	fetcher  Fetcher
	policy   RetryPolicy
	timeout  time.Duration
	throttle Throttle
	observer Observer
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// RetryingFetcherOption customizes a RetryingFetcher.
type RetryingFetcherOption func(*RetryingFetcher)

// WithThrottle waits on t before every attempt.
func WithThrottle(t Throttle) RetryingFetcherOption {
	return func(r *RetryingFetcher) {
		r.throttle = t
	}
}

// WithObserver reports attempts and retries to o.
func WithObserver(o Observer) RetryingFetcherOption {
	return func(r *RetryingFetcher) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RetryingFetcherOption {
	return func(r *RetryingFetcher) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRequestTimeout sets the per-attempt timeout passed to the Fetcher.
func WithRequestTimeout(d time.Duration) RetryingFetcherOption {
	return func(r *RetryingFetcher) {
		r.timeout = d
	}
}

// NewRetryingFetcher builds a RetryingFetcher.
func NewRetryingFetcher(fetcher Fetcher, policy RetryPolicy, opts ...RetryingFetcherOption) *RetryingFetcher {
	r := &RetryingFetcher{
		fetcher:  fetcher,
		policy:   policy.normalized(),
		observer: nopObserver{},
		logger:   zap.NewNop(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FetchWithRetry fetches url, retrying retryable failures up to MaxAttempts.
// Terminal failures return immediately; after the last attempt the last
// failure is returned unchanged.
func (r *RetryingFetcher) FetchWithRetry(ctx context.Context, url string) FetchOutcome {
	var last FetchOutcome
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Interrupt(url, err)
		}
		if r.throttle != nil {
			if err := r.throttle.Wait(ctx, url); err != nil {
				return Interrupt(url, err)
			}
		}

		last = r.fetcher.Fetch(ctx, FetchRequest{URL: url, Timeout: r.timeout})
		r.observer.FetchAttempt(last)
		if last.Kind != OutcomeRetryable {
			return last
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		delay := r.policy.Backoff(attempt, last.RetryAfter)
		r.observer.Retry(url, delay)
		r.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("status", last.StatusCode),
			zap.String("reason", last.Reason),
			zap.Duration("delay", delay),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return Interrupt(url, err)
		}
	}
	return last
}


func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
