package crawler

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Default retry settings.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 250 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
)

// RetryPolicy controls bounded exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// jitterFn returns a duration in [0, limit); overridden in tests.
	jitterFn func(limit time.Duration) time.Duration
}

// NewExponentialRetryPolicy builds a policy with sane defaults.
func NewExponentialRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      true,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based):
// min(MaxDelay, BaseDelay*2^(attempt-1)) plus jitter in [0, BaseDelay).
// A retry-after hint larger than the computed delay wins.
func (p RetryPolicy) Backoff(attempt int, retryAfter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.MaxDelay
	// Shifting past ~62 bits overflows; anything that large is capped anyway.
	if attempt-1 < 62 {
		scaled := p.BaseDelay << uint(attempt-1)
		if scaled >= 0 && scaled < p.MaxDelay && scaled>>uint(attempt-1) == p.BaseDelay {
			delay = scaled
		}
	}
	if p.Jitter {
		delay += p.jitter(p.BaseDelay)
	}
	if retryAfter > delay {
		return retryAfter
	}
	return delay
}

func (p RetryPolicy) jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	if p.jitterFn != nil {
		return p.jitterFn(limit)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
