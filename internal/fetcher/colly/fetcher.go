// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
)

// DefaultTimeout bounds one request when neither the request nor the config sets one.
const DefaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Logger        *zap.Logger
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// Fetcher implements crawler.Fetcher using the Colly collector. Every failure
// is reported through the returned outcome.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
	now           func() time.Time
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// capture is written by collector callbacks and read only after Visit returns.
type capture struct {
	status  int
	headers http.Header
	body    []byte
	err     error
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !cfg.RespectRobots

	// Transport and client timeout live on the backend shared by every clone,
	// so they are only set here.
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = newRobotsAwareTransport(transport, logger)
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
		now:           time.Now,
	}
}

// Fetch executes a single HTTP GET using Colly and classifies the result.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) crawler.FetchOutcome {
	if err := ctx.Err(); err != nil {
		return crawler.Interrupt(request.URL, err)
	}
	if reason, ok := validateURL(request.URL); !ok {
		return crawler.Terminal(request.URL, 0, reason, nil)
	}

	timeout := request.Timeout
	if timeout <= 0 || timeout > f.cfg.Timeout {
		timeout = f.cfg.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	collector := f.baseCollector.Clone()
	collector.Context = attemptCtx
	captured := &capture{}
	f.configureCollectorHooks(collector, captured)

	err := f.runCollector(attemptCtx, collector, request.URL, captured)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return crawler.Interrupt(request.URL, ctxErr)
	}
	if err != nil {
		outcome := classifyError(request.URL, err)
		f.logger.Debug("fetch failed",
			zap.String("url", request.URL),
			zap.String("outcome", outcome.Kind.String()),
			zap.Error(err),
		)
		return outcome
	}
	return f.classifyResponse(request.URL, captured)
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, captured *capture) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	})

	hooks.OnResponse(func(r *colly.Response) {
		captured.status = r.StatusCode
		if r.Headers != nil {
			captured.headers = r.Headers.Clone()
		}
		captured.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		captured.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, captured *capture) error {
	done := make(chan error, 1)
	go func() {
		err := collector.Visit(url)
		if err == nil {
			err = captured.err
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) classifyResponse(rawURL string, captured *capture) crawler.FetchOutcome {
	status := captured.status
	switch {
	case status >= 200 && status < 300:
		return crawler.Success(rawURL, status, captured.body)
	case status == http.StatusTooManyRequests:
		outcome := crawler.Retryable(rawURL, status, "rate limited", nil)
		if captured.headers != nil {
			outcome.RetryAfter = parseRetryAfter(captured.headers.Get("Retry-After"), f.now())
		}
		return outcome
	case status >= 500:
		return crawler.Retryable(rawURL, status, "server error", nil)
	case status == 0:
		return crawler.Retryable(rawURL, 0, "no response", nil)
	default:
		return crawler.Terminal(rawURL, status, http.StatusText(status), nil)
	}
}

// classifyError maps a transport or collector error to an outcome. It is only
// called while the parent context is still live, so context deadlines here
// belong to the per-attempt timeout.
func classifyError(rawURL string, err error) crawler.FetchOutcome {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return crawler.Terminal(rawURL, 0, "blocked by robots.txt", err)
	case errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrMissingURL),
		errors.Is(err, colly.ErrNoURLFiltersMatch):
		return crawler.Terminal(rawURL, 0, "url not allowed", err)
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return crawler.Retryable(rawURL, 0, "dns timeout", err)
		}
		return crawler.Terminal(rawURL, 0, "dns lookup failed", err)
	case errors.Is(err, context.DeadlineExceeded):
		return crawler.Retryable(rawURL, 0, "timeout", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return crawler.Retryable(rawURL, 0, "timeout", err)
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return crawler.Retryable(rawURL, 0, "connection failed", err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return crawler.Retryable(rawURL, 0, "connection closed", err)
	default:
		return crawler.Terminal(rawURL, 0, "request failed", err)
	}
}

func validateURL(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "malformed url", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "unsupported url scheme", false
	}
	if u.Host == "" {
		return "url has no host", false
	}
	return "", true
}

// maxRetryAfterSeconds keeps delta-seconds from overflowing time.Duration.
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// parseRetryAfter reads a Retry-After header given as delta-seconds or an
// HTTP-date. Unparseable or past values yield zero.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	secs, err := strconv.ParseInt(value, 10, 64)
	if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(value, "-") {
		secs, err = maxRetryAfterSeconds, nil
	}
	if err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(min(secs, maxRetryAfterSeconds)) * time.Second
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0
	}
	if d := when.Sub(now); d > 0 {
		return d
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
