// Package system provides the wall clock used to stamp crawl runs.
package system

import (
	"time"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
)

var _ crawler.Clock = Clock{}

// Clock implements crawler.Clock on top of time.Now.
type Clock struct{}

// New creates a new Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time truncated to microseconds, which is the
// precision a Postgres TIMESTAMPTZ keeps.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
