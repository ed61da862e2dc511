package crawler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/qnote-crawler/internal/crawler"
	"github.com/JakeFAU/qnote-crawler/internal/qnote"
)

const simBase = "https://sim.qnote.test"

// simSource serves JSON listing pages for a synthetic catalog.
type simSource struct {
	books           int
	booksPerPage    int
	chapters        map[string]int
	defaultChapters int
	chaptersPerPage int
	// overlap repeats the previous page's last book at the top of each page.
	overlap bool
	// alwaysNext keeps reporting has_next on the book listing.
	alwaysNext bool
	// fail maps a URL to outcomes served before the page itself.
	fail map[string][]crawler.FetchOutcome
	// delay applies to chapter listing fetches.
	delay func(bookID string) time.Duration
	// raw overrides the body served for a URL.
	raw map[string]string

	mu          sync.Mutex
	calls       map[string]int
	inflight    int
	maxInflight int
}

func newSim(books, chapters int) *simSource {
	return &simSource{
		books:           books,
		booksPerPage:    10,
		defaultChapters: chapters,
		chaptersPerPage: 12,
		chapters:        map[string]int{},
		fail:            map[string][]crawler.FetchOutcome{},
		raw:             map[string]string{},
		calls:           map[string]int{},
	}
}

func bookID(i int) string { return "b" + strconv.Itoa(i) }

func (s *simSource) Fetch(ctx context.Context, req crawler.FetchRequest) crawler.FetchOutcome {
	u, err := url.Parse(req.URL)
	if err != nil {
		return crawler.Terminal(req.URL, 0, "bad url", err)
	}
	page := 1
	if p := u.Query().Get("page"); p != "" {
		page, _ = strconv.Atoi(p)
	}

	s.mu.Lock()
	s.calls[req.URL]++
	var scripted *crawler.FetchOutcome
	if queue := s.fail[req.URL]; len(queue) > 0 {
		scripted = &queue[0]
		if len(queue) > 1 {
			s.fail[req.URL] = queue[1:]
		} else if queue[0].Kind == crawler.OutcomeRetryable && queue[0].StatusCode != http.StatusServiceUnavailable {
			delete(s.fail, req.URL)
		}
	}
	isChapter := strings.HasPrefix(u.Path, "/detail/")
	if isChapter {
		s.inflight++
		if s.inflight > s.maxInflight {
			s.maxInflight = s.inflight
		}
	}
	s.mu.Unlock()
	if isChapter {
		defer func() {
			s.mu.Lock()
			s.inflight--
			s.mu.Unlock()
		}()
	}

	if isChapter && s.delay != nil {
		timer := time.NewTimer(s.delay(strings.TrimPrefix(u.Path, "/detail/")))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return crawler.Interrupt(req.URL, ctx.Err())
		case <-timer.C:
		}
	}

	if scripted != nil {
		out := *scripted
		out.URL = req.URL
		return out
	}
	if body, ok := s.raw[req.URL]; ok {
		return crawler.Success(req.URL, http.StatusOK, []byte(body))
	}
	if isChapter {
		return crawler.Success(req.URL, http.StatusOK, s.chapterPage(strings.TrimPrefix(u.Path, "/detail/"), page))
	}
	return crawler.Success(req.URL, http.StatusOK, s.bookPage(page))
}

type simItem struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (s *simSource) bookPage(page int) []byte {
	start := (page - 1) * s.booksPerPage
	end := min(start+s.booksPerPage, s.books)
	items := []simItem{}
	if s.overlap && page > 1 && start-1 < s.books {
		items = append(items, simItem{ID: bookID(start), Title: "dup"})
	}
	for i := start + 1; i <= end; i++ {
		items = append(items, simItem{ID: bookID(i), Title: "Book " + strconv.Itoa(i)})
	}
	body, _ := json.Marshal(map[string]any{"books": items, "has_next": s.alwaysNext || end < s.books})
	return body
}

func (s *simSource) chapterPage(book string, page int) []byte {
	total, ok := s.chapters[book]
	if !ok {
		total = s.defaultChapters
	}
	start := (page - 1) * s.chaptersPerPage
	end := min(start+s.chaptersPerPage, total)
	items := []simItem{}
	for i := start + 1; i <= end; i++ {
		items = append(items, simItem{ID: strconv.Itoa(i), Title: fmt.Sprintf("%s ch %d", book, i)})
	}
	body, _ := json.Marshal(map[string]any{"chapters": items, "has_next": end < total})
	return body
}

func (s *simSource) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *simSource) callsTo(u string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[u]
}

func (s *simSource) chapterCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for u, c := range s.calls {
		if strings.Contains(u, "/detail/") {
			n += c
		}
	}
	return n
}

func newTestEngine(t *testing.T, src crawler.Fetcher, cfg crawler.Config) *crawler.Engine {
	t.Helper()
	parser, err := qnote.NewParser(simBase, qnote.Selectors{})
	require.NoError(t, err)
	layout, err := qnote.NewLayout(simBase, "")
	require.NoError(t, err)
	retrying := crawler.NewRetryingFetcher(src, crawler.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	return crawler.NewEngine(cfg, retrying, parser, layout, nil, nil)
}

func defaultTestConfig() crawler.Config {
	cfg := crawler.DefaultConfig()
	cfg.CrawlTimeout = 10 * time.Second
	return cfg
}

func bookIDs(books []crawler.Book) []string {
	ids := make([]string, 0, len(books))
	for _, b := range books {
		ids = append(ids, b.Ref.ID)
	}
	return ids
}

func TestEngineZeroBooksMakesNoRequests(t *testing.T) {
	t.Parallel()

	src := newSim(30, 5)
	result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 0, NumChapters: 5})
	require.NoError(t, err)
	assert.NotNil(t, result.Books)
	assert.Empty(t, result.Books)
	assert.False(t, result.Partial)
	assert.Zero(t, src.totalCalls())
}

func TestEngineExactCounts(t *testing.T) {
	t.Parallel()

	src := newSim(25, 30)
	result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 12, NumChapters: 20})
	require.NoError(t, err)

	require.Len(t, result.Books, 12)
	for i, b := range result.Books {
		assert.Equal(t, bookID(i+1), b.Ref.ID)
		assert.Equal(t, simBase+"/detail/"+b.Ref.ID, b.Ref.SourceURL)
		require.Len(t, b.Chapters, 20, b.Ref.ID)
		for j, ch := range b.Chapters {
			assert.Equal(t, j, ch.Index)
			assert.Equal(t, strconv.Itoa(j+1), ch.ID)
		}
	}
	assert.Empty(t, result.Diagnostics)
	assert.False(t, result.Partial)
	assert.False(t, result.TimedOut)
	assert.Equal(t, 240, result.ChapterCount())

	assert.Equal(t, 1, src.callsTo(simBase+"/"))
	assert.Equal(t, 1, src.callsTo(simBase+"/?page=2"))
	assert.Zero(t, src.callsTo(simBase+"/?page=3"))
	assert.Equal(t, 24, src.chapterCalls())
}

func TestEngineFewerAvailable(t *testing.T) {
	t.Parallel()

	src := newSim(3, 10)
	src.chapters["b2"] = 2
	src.chapters["b3"] = 0
	result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 5, NumChapters: 8})
	require.NoError(t, err)

	assert.Equal(t, []string{"b1", "b2", "b3"}, bookIDs(result.Books))
	assert.Len(t, result.Books[0].Chapters, 8)
	assert.Len(t, result.Books[1].Chapters, 2)
	assert.NotNil(t, result.Books[2].Chapters)
	assert.Empty(t, result.Books[2].Chapters)
	assert.Empty(t, result.Diagnostics)
	assert.False(t, result.Partial)
}

func TestEngineZeroChaptersSkipsChapterFetches(t *testing.T) {
	t.Parallel()

	src := newSim(15, 10)
	result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 4, NumChapters: 0})
	require.NoError(t, err)
	require.Len(t, result.Books, 4)
	for _, b := range result.Books {
		assert.NotNil(t, b.Chapters)
		assert.Empty(t, b.Chapters)
	}
	assert.Zero(t, src.chapterCalls())
}

func TestEngineIdempotent(t *testing.T) {
	t.Parallel()

	src := newSim(18, 15)
	engine := newTestEngine(t, src, defaultTestConfig())
	req := crawler.CrawlRequest{NumBooks: 14, NumChapters: 13}
	first, err := engine.Crawl(context.Background(), req)
	require.NoError(t, err)
	second, err := engine.Crawl(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEngineDeduplicatesAcrossPages(t *testing.T) {
	t.Parallel()

	src := newSim(25, 2)
	src.overlap = true
	result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 15, NumChapters: 1})
	require.NoError(t, err)

	ids := bookIDs(result.Books)
	require.Len(t, ids, 15)
	seen := map[string]bool{}
	for i, id := range ids {
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
		assert.Equal(t, bookID(i+1), id)
	}
	assert.Equal(t, "Book 10", result.Books[9].Ref.Title, "first occurrence wins")
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	src := newSim(5, 5)
	src.fail[simBase+"/"] = []crawler.FetchOutcome{crawler.Retryable("", http.StatusInternalServerError, "server error", nil)}
	src.fail[simBase+"/detail/b2"] = []crawler.FetchOutcome{crawler.Retryable("", http.StatusTooManyRequests, "rate limited", nil)}

	result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 3, NumChapters: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2", "b3"}, bookIDs(result.Books))
	assert.Len(t, result.Books[1].Chapters, 5)
	assert.Empty(t, result.Diagnostics)
	assert.False(t, result.Partial)
	assert.Equal(t, 2, src.callsTo(simBase+"/"))
	assert.Equal(t, 2, src.callsTo(simBase+"/detail/b2"))
}

func TestEngineIsolatesBookFailures(t *testing.T) {
	t.Parallel()

	src := newSim(4, 20)
	src.fail[simBase+"/detail/b2"] = []crawler.FetchOutcome{crawler.Terminal("", http.StatusNotFound, "not found", nil)}
	src.fail[simBase+"/detail/b3?page=2"] = []crawler.FetchOutcome{crawler.Terminal("", http.StatusForbidden, "forbidden", nil)}

	result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 4, NumChapters: 20})
	require.NoError(t, err)

	assert.Equal(t, []string{"b1", "b2", "b3", "b4"}, bookIDs(result.Books))
	assert.Len(t, result.Books[0].Chapters, 20)
	assert.Empty(t, result.Books[1].Chapters)
	assert.Len(t, result.Books[2].Chapters, 12, "chapters from the first page are kept")
	assert.Len(t, result.Books[3].Chapters, 20)
	assert.True(t, result.Partial)
	assert.False(t, result.TimedOut)
	require.Len(t, result.Diagnostics, 2)
	assert.Equal(t, "b2", result.Diagnostics[0].BookID)
	assert.Contains(t, result.Diagnostics[0].Reason, "404")
	assert.Equal(t, "b3", result.Diagnostics[1].BookID)
	assert.Equal(t, 1, src.callsTo(simBase+"/detail/b2"), "terminal failures are not retried")
}

func TestEngineExhaustedRetriesBecomeDiagnostic(t *testing.T) {
	t.Parallel()

	src := newSim(2, 3)
	src.fail[simBase+"/detail/b1"] = []crawler.FetchOutcome{crawler.Retryable("", http.StatusServiceUnavailable, "unavailable", nil)}

	result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 2, NumChapters: 3})
	require.NoError(t, err)
	assert.Empty(t, result.Books[0].Chapters)
	assert.Len(t, result.Books[1].Chapters, 3)
	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, "b1", result.Diagnostics[0].BookID)
	assert.Equal(t, 3, src.callsTo(simBase+"/detail/b1"))
}

func TestEngineRespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	src := newSim(20, 3)
	src.delay = func(string) time.Duration { return 5 * time.Millisecond }
	cfg := defaultTestConfig()
	cfg.Concurrency = 3

	result, err := newTestEngine(t, src, cfg).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 20, NumChapters: 3})
	require.NoError(t, err)
	assert.Len(t, result.Books, 20)
	assert.LessOrEqual(t, src.maxInflight, 3)
	assert.GreaterOrEqual(t, src.maxInflight, 1)
}

func TestEnginePreservesDiscoveryOrder(t *testing.T) {
	t.Parallel()

	src := newSim(8, 2)
	// Earlier books finish last.
	src.delay = func(id string) time.Duration {
		n, _ := strconv.Atoi(strings.TrimPrefix(id, "b"))
		return time.Duration(9-n) * 3 * time.Millisecond
	}
	cfg := defaultTestConfig()
	cfg.Concurrency = 8

	var streamed []string
	result, err := newTestEngine(t, src, cfg).Stream(context.Background(), crawler.CrawlRequest{NumBooks: 8, NumChapters: 2},
		func(b crawler.Book, diag *crawler.Diagnostic) {
			assert.Nil(t, diag)
			assert.Len(t, b.Chapters, 2)
			streamed = append(streamed, b.Ref.ID)
		})
	require.NoError(t, err)
	want := []string{"b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8"}
	assert.Equal(t, want, bookIDs(result.Books))
	assert.Equal(t, want, streamed)
}

func TestEngineStreamZeroChapters(t *testing.T) {
	t.Parallel()

	src := newSim(3, 2)
	var streamed []string
	_, err := newTestEngine(t, src, defaultTestConfig()).Stream(context.Background(), crawler.CrawlRequest{NumBooks: 3},
		func(b crawler.Book, _ *crawler.Diagnostic) { streamed = append(streamed, b.Ref.ID) })
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2", "b3"}, streamed)
}

func TestEngineTimeoutReturnsPartialResult(t *testing.T) {
	t.Parallel()

	src := newSim(10, 30)
	src.delay = func(string) time.Duration { return 40 * time.Millisecond }
	cfg := defaultTestConfig()
	cfg.Concurrency = 2
	cfg.CrawlTimeout = 100 * time.Millisecond

	start := time.Now()
	result, err := newTestEngine(t, src, cfg).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 10, NumChapters: 30})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, result.TimedOut)
	assert.True(t, result.Partial)
	assert.False(t, result.Unreachable)
	assert.Equal(t, []string{"b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8", "b9", "b10"}, bookIDs(result.Books))
	assert.NotEmpty(t, result.Diagnostics)
	for _, d := range result.Diagnostics {
		assert.NotEmpty(t, d.BookID)
	}
	assert.Equal(t, crawler.RunStatusTimedOut, result.Status())
}

func TestEngineUnreachableSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		outcome crawler.FetchOutcome
		calls   int
	}{
		{"retryable exhausted", crawler.Retryable("", http.StatusServiceUnavailable, "unavailable", nil), 3},
		{"terminal", crawler.Terminal("", http.StatusNotFound, "not found", nil), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := newSim(10, 2)
			src.fail[simBase+"/"] = []crawler.FetchOutcome{tt.outcome}

			result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 3, NumChapters: 2})
			require.NoError(t, err)
			assert.True(t, result.Unreachable)
			assert.True(t, result.Partial)
			assert.Empty(t, result.Books)
			require.Len(t, result.Diagnostics, 1)
			assert.Empty(t, result.Diagnostics[0].BookID)
			assert.Equal(t, tt.calls, src.totalCalls())
			assert.Equal(t, crawler.RunStatusUnreachable, result.Status())
		})
	}
}

func TestEngineListingFailureKeepsEarlierBooks(t *testing.T) {
	t.Parallel()

	src := newSim(30, 1)
	src.fail[simBase+"/?page=2"] = []crawler.FetchOutcome{crawler.Terminal("", http.StatusGone, "gone", nil)}

	result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 15, NumChapters: 1})
	require.NoError(t, err)
	assert.Len(t, result.Books, 10)
	assert.False(t, result.Unreachable)
	assert.True(t, result.Partial)
	require.Len(t, result.Diagnostics, 1)
	assert.Empty(t, result.Diagnostics[0].BookID)
	assert.Contains(t, result.Diagnostics[0].Reason, "book listing page 2")
}

func TestEngineMalformedPages(t *testing.T) {
	t.Parallel()

	src := newSim(5, 3)
	src.raw[simBase+"/"] = `<html><body><h1>maintenance</h1></body></html>`
	result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 2, NumChapters: 3})
	require.NoError(t, err)
	assert.Empty(t, result.Books)
	assert.False(t, result.Unreachable, "a page that loads but does not parse is not an outage")
	require.Len(t, result.Diagnostics, 1)
	assert.Contains(t, result.Diagnostics[0].Reason, "malformed")

	src2 := newSim(5, 3)
	src2.raw[simBase+"/detail/b1"] = `{"unexpected":true}`
	result, err = newTestEngine(t, src2, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 2, NumChapters: 3})
	require.NoError(t, err)
	assert.Empty(t, result.Books[0].Chapters)
	assert.Len(t, result.Books[1].Chapters, 3)
	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, "b1", result.Diagnostics[0].BookID)
}

func TestEnginePageCeiling(t *testing.T) {
	t.Parallel()

	src := newSim(2, 1)
	src.booksPerPage = 2
	src.alwaysNext = true
	cfg := defaultTestConfig()
	cfg.MaxListingPages = 3

	result, err := newTestEngine(t, src, cfg).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 10, NumChapters: 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, bookIDs(result.Books))
	assert.Equal(t, 2, src.totalCalls(), "an empty page ends pagination")

	src2 := newSim(100, 1)
	src2.booksPerPage = 2
	result, err = newTestEngine(t, src2, cfg).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 10, NumChapters: 0})
	require.NoError(t, err)
	assert.Len(t, result.Books, 6)
	assert.Equal(t, 3, src2.totalCalls())
	assert.False(t, result.Partial)
}

func TestEngineRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	src := newSim(5, 5)
	cfg := defaultTestConfig()
	cfg.MaxBooks = 4
	cfg.MaxChapters = 4
	engine := newTestEngine(t, src, cfg)

	for _, req := range []crawler.CrawlRequest{
		{NumBooks: 5, NumChapters: 1},
		{NumBooks: 1, NumChapters: 5},
		{NumBooks: -1},
		{NumBooks: 1, NumChapters: -1},
	} {
		_, err := engine.Crawl(context.Background(), req)
		require.ErrorIs(t, err, crawler.ErrRequestOutOfRange, "%+v", req)
	}
	assert.Zero(t, src.totalCalls())
}

func TestEngineShortListing(t *testing.T) {
	t.Parallel()

	src := newSim(5, 1)
	src.raw[simBase+"/cate/30125"] = `{"books":[{"id":"s1","title":"Short one"}],"has_next":false}`

	result, err := newTestEngine(t, src, defaultTestConfig()).Crawl(context.Background(), crawler.CrawlRequest{NumBooks: 3, NumChapters: 1, Short: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, bookIDs(result.Books))
	assert.Zero(t, src.callsTo(simBase+"/"))
}

func TestEngineCallerCancelIsNotAnOutage(t *testing.T) {
	t.Parallel()

	src := newSim(10, 30)
	src.delay = func(string) time.Duration { return 30 * time.Millisecond }
	cfg := defaultTestConfig()
	cfg.Concurrency = 1

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	result, err := newTestEngine(t, src, cfg).Crawl(ctx, crawler.CrawlRequest{NumBooks: 5, NumChapters: 30})
	require.NoError(t, err)

	assert.False(t, result.TimedOut)
	assert.False(t, result.Unreachable)
	assert.True(t, result.Partial)
	assert.Len(t, result.Books, 5)
	require.NotEmpty(t, result.Diagnostics)
	for _, d := range result.Diagnostics {
		assert.Contains(t, d.Reason, "crawl canceled")
		assert.NotContains(t, d.Reason, "deadline")
	}

	canceled, stop := context.WithCancel(context.Background())
	stop()
	result, err = newTestEngine(t, newSim(3, 1), cfg).Crawl(canceled, crawler.CrawlRequest{NumBooks: 2, NumChapters: 1})
	require.NoError(t, err)
	assert.False(t, result.Unreachable)
	require.Len(t, result.Diagnostics, 1)
	assert.Contains(t, result.Diagnostics[0].Reason, "crawl canceled")
}
