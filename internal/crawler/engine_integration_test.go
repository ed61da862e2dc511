package crawler_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/qnote-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/qnote-crawler/internal/qnote"
)

// htmlSite serves qnote-shaped HTML: three books per listing page and
// five chapters per detail page. A non-empty prefix mounts the site under
// that path and makes book links relative.
type htmlSite struct {
	mu        sync.Mutex
	prefix    string
	flaky     map[string]int
	userAgent string
}

func (s *htmlSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, ok := strings.CutPrefix(r.URL.Path, s.prefix)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if path == "" {
		path = "/"
	}

	s.mu.Lock()
	s.userAgent = r.UserAgent()
	if s.flaky[path] > 0 {
		s.flaky[path]--
		s.mu.Unlock()
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch {
	case path == "/":
		s.writeBooks(w, page)
	case strings.HasPrefix(path, "/detail/"):
		id := strings.TrimPrefix(path, "/detail/")
		if id == "404" {
			http.NotFound(w, r)
			return
		}
		s.writeChapters(w, id, page)
	default:
		http.NotFound(w, r)
	}
}

func (s *htmlSite) writeBooks(w http.ResponseWriter, page int) {
	var b strings.Builder
	b.WriteString(`<html><body><ul class="book-list">`)
	for i := 1; i <= 3; i++ {
		id := strconv.Itoa((page-1)*3 + i)
		if page == 1 && i == 3 {
			id = "404"
		}
		href := "/detail/" + id
		if s.prefix != "" {
			href = "detail/" + id
		}
		fmt.Fprintf(&b, `<li><a href="%s">Book %s</a></li>`, href, id)
	}
	b.WriteString(`</ul>`)
	if page < 3 {
		fmt.Fprintf(&b, `<div class="pagination"><a class="next" href="%s/?page=%d">Next</a></div>`, s.prefix, page+1)
	}
	b.WriteString(`</body></html>`)
	_, _ = w.Write([]byte(b.String()))
}

func (s *htmlSite) writeChapters(w http.ResponseWriter, id string, page int) {
	var b strings.Builder
	b.WriteString(`<html><body><ol class="chapter-list">`)
	for i := 1; i <= 5; i++ {
		n := (page-1)*5 + i
		fmt.Fprintf(&b, `<li><a href="%s/read/%s/%d">Chapter %d</a></li>`, s.prefix, id, n, n)
	}
	b.WriteString(`</ol>`)
	if page < 2 {
		fmt.Fprintf(&b, `<a rel="next" href="%s/detail/%s?page=%d">more</a>`, s.prefix, id, page+1)
	}
	b.WriteString(`</body></html>`)
	_, _ = w.Write([]byte(b.String()))
}

func TestEngineAgainstHTMLSite(t *testing.T) {
	t.Parallel()

	site := &htmlSite{flaky: map[string]int{"/detail/2": 1}}
	srv := httptest.NewServer(site)
	t.Cleanup(srv.Close)

	parser, err := qnote.NewParser(srv.URL, qnote.Selectors{})
	require.NoError(t, err)
	layout, err := qnote.NewLayout(srv.URL, "")
	require.NoError(t, err)
	fetcher := collyfetcher.New(collyfetcher.Config{UserAgent: "qnote-crawler/1.0", Timeout: 2 * time.Second})
	retrying := crawler.NewRetryingFetcher(fetcher, crawler.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})

	cfg := crawler.DefaultConfig()
	cfg.Concurrency = 2
	cfg.CrawlTimeout = 10 * time.Second
	engine := crawler.NewEngine(cfg, retrying, parser, layout, nil, nil)

	result, err := engine.Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 5, NumChapters: 7})
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "2", "404", "4", "5"}, bookIDs(result.Books))
	assert.Equal(t, srv.URL+"/detail/1", result.Books[0].Ref.SourceURL)
	assert.Equal(t, "Book 1", result.Books[0].Ref.Title)

	for _, i := range []int{0, 1, 3, 4} {
		book := result.Books[i]
		require.Len(t, book.Chapters, 7, book.Ref.ID)
		for j, ch := range book.Chapters {
			assert.Equal(t, j, ch.Index)
			assert.Equal(t, strconv.Itoa(j+1), ch.ID)
			assert.Equal(t, fmt.Sprintf("%s/read/%s/%d", srv.URL, book.Ref.ID, j+1), ch.SourceURL)
		}
	}
	assert.Empty(t, result.Books[2].Chapters)

	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, "404", result.Diagnostics[0].BookID)
	assert.Contains(t, result.Diagnostics[0].Reason, "status 404")
	assert.True(t, result.Partial)
	assert.False(t, result.TimedOut)
	assert.Equal(t, crawler.RunStatusPartial, result.Status())

	site.mu.Lock()
	defer site.mu.Unlock()
	assert.Equal(t, "qnote-crawler/1.0", site.userAgent)
	assert.Zero(t, site.flaky["/detail/2"], "flaky page was retried")
}

func TestEngineAgainstMirroredSite(t *testing.T) {
	t.Parallel()

	site := &htmlSite{prefix: "/mirror"}
	srv := httptest.NewServer(site)
	t.Cleanup(srv.Close)
	base := srv.URL + "/mirror/"

	parser, err := qnote.NewParser(base, qnote.Selectors{})
	require.NoError(t, err)
	layout, err := qnote.NewLayout(base, "")
	require.NoError(t, err)
	retrying := crawler.NewRetryingFetcher(
		collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second}),
		crawler.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	)
	engine := crawler.NewEngine(crawler.DefaultConfig(), retrying, parser, layout, nil, nil)

	result, err := engine.Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 4, NumChapters: 6})
	require.NoError(t, err)

	require.False(t, result.Unreachable)
	assert.Equal(t, []string{"1", "2", "404", "4"}, bookIDs(result.Books))
	assert.Equal(t, base+"detail/1", result.Books[0].Ref.SourceURL)
	for _, i := range []int{0, 1, 3} {
		book := result.Books[i]
		require.Len(t, book.Chapters, 6, book.Ref.ID)
		assert.Equal(t, fmt.Sprintf("%sread/%s/6", base, book.Ref.ID), book.Chapters[5].SourceURL)
	}
	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, "404", result.Diagnostics[0].BookID)
}

func TestEngineAgainstDownSite(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	parser, err := qnote.NewParser(srv.URL, qnote.Selectors{})
	require.NoError(t, err)
	layout, err := qnote.NewLayout(srv.URL, "")
	require.NoError(t, err)
	retrying := crawler.NewRetryingFetcher(
		collyfetcher.New(collyfetcher.Config{Timeout: time.Second}),
		crawler.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	)
	engine := crawler.NewEngine(crawler.DefaultConfig(), retrying, parser, layout, nil, nil)

	result, err := engine.Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 2, NumChapters: 2})
	require.NoError(t, err)
	assert.True(t, result.Unreachable)
	assert.Empty(t, result.Books)
	assert.Equal(t, crawler.RunStatusUnreachable, result.Status())
}
